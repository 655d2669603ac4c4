// Package transform applies transformation chains to digital objects.
//
// A [DigitalObject] is a set of files. Each hop of a chain consumes the files whose format equals
// the hop's input and replaces them with the converter's output, according to the hop's shape.
package transform

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/desertthunder/pmx/internal/models"
)

var (
	// ErrObjectNotFound is returned when no object exists under an id.
	ErrObjectNotFound = fmt.Errorf("object not found")
	// ErrObjectNotReady is returned when an object exists but cannot be read yet.
	ErrObjectNotReady = fmt.Errorf("object not ready")
	// ErrConversion wraps converter failures and malformed converter output.
	ErrConversion = fmt.Errorf("conversion failed")
	// ErrNoInput is returned when an object has no file a hop can consume.
	ErrNoInput = fmt.Errorf("no input files")
)

// File is one file of an object.
type File struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Data   []byte `json:"-"`
}

// DigitalObject is a stored object and its files.
type DigitalObject struct {
	ID       string            `json:"id"`
	Format   string            `json:"format"`
	Origin   string            `json:"origin,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Files    []File            `json:"files"`
}

// Clone returns a deep copy of o.
func (o *DigitalObject) Clone() *DigitalObject {
	c := *o
	c.Metadata = make(map[string]string, len(o.Metadata))
	for k, v := range o.Metadata {
		c.Metadata[k] = v
	}
	c.Files = make([]File, len(o.Files))
	for i, f := range o.Files {
		c.Files[i] = File{Name: f.Name, Format: f.Format, Data: slices.Clone(f.Data)}
	}
	return &c
}

// Size returns the total byte size of the object's files.
func (o *DigitalObject) Size() int {
	n := 0
	for _, f := range o.Files {
		n += len(f.Data)
	}
	return n
}

// Converter runs a single service over input files.
type Converter interface {
	Convert(ctx context.Context, svc models.Service, inputs []File) ([]File, error)
}

// ConverterFunc adapts a function to [Converter].
type ConverterFunc func(ctx context.Context, svc models.Service, inputs []File) ([]File, error)

func (f ConverterFunc) Convert(ctx context.Context, svc models.Service, inputs []File) ([]File, error) {
	return f(ctx, svc, inputs)
}

// ObjectStore reads and writes digital objects.
type ObjectStore interface {
	// Fetch returns the object with id, or [ErrObjectNotFound] / [ErrObjectNotReady].
	Fetch(ctx context.Context, id string) (*DigitalObject, error)
	// Store saves obj as a new object derived from origin and returns its id.
	Store(ctx context.Context, origin string, obj *DigitalObject) (string, error)
	// Format returns the declared format of the object with id.
	Format(ctx context.Context, id string) (string, error)
}

// Report summarizes one application of a chain.
type Report struct {
	Chain string      `json:"chain"`
	Hops  []HopReport `json:"hops"`
}

// HopReport records the files a hop consumed and produced.
type HopReport struct {
	Service string   `json:"service"`
	Shape   string   `json:"shape"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// Apply runs chain over obj in place. Files not matching a hop's input pass through untouched.
// On success obj.Format is the chain's target.
func Apply(ctx context.Context, conv Converter, obj *DigitalObject, chain models.Chain) (Report, error) {
	report := Report{Chain: chain.String()}
	if err := chain.Validate(); err != nil {
		return report, err
	}
	if _, err := chain.Shape(); err != nil {
		return report, err
	}

	for i, hop := range chain.Hops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		in := chain.InputOf(i)
		var matched, rest []File
		for _, f := range obj.Files {
			if f.Format == in {
				matched = append(matched, f)
			} else {
				rest = append(rest, f)
			}
		}
		if len(matched) == 0 {
			return report, fmt.Errorf("%w: hop %d (%s) found no %s file in %s", ErrNoInput, i, hop.ID, in, obj.ID)
		}

		produced, err := applyHop(ctx, conv, hop, matched)
		if err != nil {
			return report, err
		}

		report.Hops = append(report.Hops, HopReport{
			Service: hop.ID,
			Shape:   hop.Shape.String(),
			Inputs:  names(matched),
			Outputs: names(produced),
		})
		obj.Files = append(rest, produced...)
	}

	obj.Format = chain.Target()
	return report, nil
}

func applyHop(ctx context.Context, conv Converter, hop models.Service, matched []File) ([]File, error) {
	switch hop.Shape {
	case models.ManyToOne:
		out, err := convert(ctx, conv, hop, matched)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("%w: %s merged %d files into %d", ErrConversion, hop.ID, len(matched), len(out))
		}
		return out, nil

	case models.OneToMany, models.OneToOne:
		var produced []File
		for _, f := range matched {
			out, err := convert(ctx, conv, hop, []File{f})
			if err != nil {
				return nil, err
			}
			if hop.Shape == models.OneToOne && len(out) != 1 {
				return nil, fmt.Errorf("%w: %s turned %s into %d files", ErrConversion, hop.ID, f.Name, len(out))
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: %s produced nothing from %s", ErrConversion, hop.ID, f.Name)
			}
			produced = append(produced, out...)
		}
		return produced, nil
	}
	return nil, fmt.Errorf("%w: %s has shape %s", models.ErrUnresolvableShape, hop.ID, hop.Shape)
}

func convert(ctx context.Context, conv Converter, hop models.Service, inputs []File) ([]File, error) {
	out, err := conv.Convert(ctx, hop, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConversion, hop.ID, err)
	}
	for i := range out {
		if out[i].Format == "" {
			out[i].Format = hop.Output
		}
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("%s-%d", stem(inputs[0].Name), i)
		}
	}
	return out, nil
}

func names(files []File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
