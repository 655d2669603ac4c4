// Package descriptor parses declarative migration requests.
//
// JSON documents are checked against the embedded JSON Schema before decoding. XML documents
// are decoded and then checked structurally by [Request.Validate], which also runs for JSON.
package descriptor

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

//go:embed schema.json
var schemaJSON []byte

// Encoding names a descriptor document encoding.
type Encoding string

const (
	JSON Encoding = "json"
	XML  Encoding = "xml"
)

// Object is an object to migrate. An empty Format is resolved from the object store.
type Object struct {
	ID     string `json:"id" xml:"id,attr"`
	Format string `json:"format,omitempty" xml:"format,attr,omitempty"`
}

// SharedPath pins the chain, given as service ids, for every object of a format class.
type SharedPath struct {
	Format   string   `json:"format" xml:"format,attr"`
	Services []string `json:"services" xml:"service"`
}

// Request is a parsed migration plan descriptor.
type Request struct {
	Name       string            `json:"name"`
	Owner      string            `json:"owner,omitempty"`
	Targets    []string          `json:"targets,omitempty"`
	Shape      string            `json:"shape,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Objects    []Object          `json:"objects"`
	Paths      []SharedPath      `json:"paths,omitempty"`

	// Raw is the document the request was parsed from.
	Raw string `json:"-"`
}

// SharedPath returns the pinned path for a format class, if any.
func (r Request) SharedPath(format string) (SharedPath, bool) {
	for _, p := range r.Paths {
		if p.Format == format {
			return p, true
		}
	}
	return SharedPath{}, false
}

// ShapeConstraint returns the requested aggregate shape, if any.
func (r Request) ShapeConstraint() (*models.Shape, error) {
	if r.Shape == "" {
		return nil, nil
	}
	s, err := models.ParseShape(r.Shape)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structure shared by every encoding.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(r.Objects) == 0 {
		problems = append(problems, "at least one object is required")
	}
	for i, o := range r.Objects {
		if strings.TrimSpace(o.ID) == "" {
			problems = append(problems, fmt.Sprintf("objects[%d]: id is required", i))
		}
	}
	if _, err := r.ShapeConstraint(); err != nil {
		problems = append(problems, err.Error())
	}
	switch models.ServiceKind(r.Kind) {
	case "", models.KindMigration, models.KindConversion:
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", r.Kind))
	}
	seen := make(map[string]bool)
	for i, p := range r.Paths {
		switch {
		case p.Format == "":
			problems = append(problems, fmt.Sprintf("paths[%d]: format is required", i))
		case seen[p.Format]:
			problems = append(problems, fmt.Sprintf("paths[%d]: duplicate path for %s", i, p.Format))
		case len(p.Services) == 0:
			problems = append(problems, fmt.Sprintf("paths[%d]: at least one service is required", i))
		}
		seen[p.Format] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", shared.ErrInvalidDescriptor, strings.Join(problems, "; "))
	}
	return nil
}

// Detect guesses the encoding from a file name, falling back to the first non-space byte.
func Detect(name string, data []byte) Encoding {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xml":
		return XML
	case ".json":
		return JSON
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '<' {
		return XML
	}
	return JSON
}

// Parse decodes and validates a descriptor document.
func Parse(data []byte, enc Encoding) (Request, error) {
	var (
		req Request
		err error
	)
	switch enc {
	case JSON:
		req, err = parseJSON(data)
	case XML:
		req, err = parseXML(data)
	default:
		return Request{}, fmt.Errorf("%w: unknown encoding %q", shared.ErrInvalidDescriptor, enc)
	}
	if err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	req.Raw = string(data)
	return req, nil
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

func parseJSON(data []byte) (Request, error) {
	s, err := compiledSchema()
	if err != nil {
		return Request{}, fmt.Errorf("failed to compile descriptor schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Request{}, fmt.Errorf("%w: %w", shared.ErrInvalidDescriptor, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Request{}, fmt.Errorf("%w: %s", shared.ErrInvalidDescriptor, strings.Join(problems, "; "))
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", shared.ErrInvalidDescriptor, err)
	}
	return req, nil
}

type xmlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlRequest struct {
	XMLName    xml.Name       `xml:"migrationPlan"`
	Name       string         `xml:"name,attr"`
	Owner      string         `xml:"owner,attr"`
	Targets    []string       `xml:"targets>format"`
	Shape      string         `xml:"shape"`
	Kind       string         `xml:"kind"`
	Parameters []xmlParameter `xml:"parameters>parameter"`
	Objects    []Object       `xml:"objects>object"`
	Paths      []SharedPath   `xml:"paths>path"`
}

func parseXML(data []byte) (Request, error) {
	var doc xmlRequest
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Request{}, fmt.Errorf("%w: %w", shared.ErrInvalidDescriptor, err)
	}

	req := Request{
		Name:    doc.Name,
		Owner:   doc.Owner,
		Targets: doc.Targets,
		Shape:   strings.TrimSpace(doc.Shape),
		Kind:    strings.TrimSpace(doc.Kind),
		Objects: doc.Objects,
		Paths:   doc.Paths,
	}
	if len(doc.Parameters) > 0 {
		req.Parameters = make(map[string]string, len(doc.Parameters))
		for _, p := range doc.Parameters {
			req.Parameters[p.Name] = strings.TrimSpace(p.Value)
		}
	}
	return req, nil
}
