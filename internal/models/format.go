package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/desertthunder/pmx/internal/shared"
)

// Format is an opaque, PUID-like file format identifier as described by the catalog.
type Format struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	AtRisk    bool   `json:"at_risk" yaml:"at_risk"`
	Successor string `json:"successor,omitempty" yaml:"successor"`
}

// Shape is the file cardinality of a transformation.
type Shape int

const (
	OneToOne  Shape = iota // one file in, one file out
	OneToMany              // one file in, a bundle out
	ManyToOne              // a bundle in, one file out
)

var shapeNames = [...]string{"ONE_TO_ONE", "ONE_TO_MANY", "MANY_TO_ONE"}

func (s Shape) String() string {
	if s < OneToOne || s > ManyToOne {
		return "Shape(" + strconv.Itoa(int(s)) + ")"
	}
	return shapeNames[s]
}

// ParseShape parses the upper snake case name of a shape. Matching is case-insensitive.
func ParseShape(s string) (Shape, error) {
	for i, name := range shapeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown shape %q", shared.ErrInvalidInput, s)
}

func (s Shape) MarshalText() ([]byte, error) {
	if s < OneToOne || s > ManyToOne {
		return nil, fmt.Errorf("%w: unknown shape %d", shared.ErrInvalidInput, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Shape) UnmarshalText(text []byte) error {
	parsed, err := ParseShape(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ServiceKind classifies a service as a migration (preservation) or a conversion (delivery).
type ServiceKind string

const (
	KindMigration  ServiceKind = "MIGRATION"
	KindConversion ServiceKind = "CONVERSION"
)

// Cost is an optional, non-negative execution cost.
type Cost struct {
	Value int
	Known bool
}

// UnknownCost is the zero Cost.
var UnknownCost = Cost{}

// KnownCost returns a defined cost of v.
func KnownCost(v int) Cost {
	return Cost{Value: v, Known: true}
}

// Add sums two costs. The sum is unknown if either side is.
func (c Cost) Add(o Cost) Cost {
	if !c.Known || !o.Known {
		return UnknownCost
	}
	return KnownCost(c.Value + o.Value)
}

// Less orders known costs ascending and unknown costs after every known cost.
func (c Cost) Less(o Cost) bool {
	switch {
	case c.Known && o.Known:
		return c.Value < o.Value
	default:
		return c.Known && !o.Known
	}
}

func (c Cost) String() string {
	if !c.Known {
		return "unknown"
	}
	return strconv.Itoa(c.Value)
}

func (c Cost) MarshalJSON() ([]byte, error) {
	if !c.Known {
		return []byte("null"), nil
	}
	return json.Marshal(c.Value)
}

func (c *Cost) UnmarshalJSON(data []byte) error {
	var v *int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*c = UnknownCost
		return nil
	}
	*c = KnownCost(*v)
	return nil
}

// Parameter is an input parameter of a service.
//
// A required parameter without a default must be supplied by the migration request.
type Parameter struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required"`
	Default  string `json:"default,omitempty" yaml:"default"`
}

// Service describes a conversion service as an edge in the format graph.
type Service struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Endpoint   string      `json:"endpoint,omitempty"`
	Inputs     []string    `json:"inputs"`
	Output     string      `json:"output"`
	Shape      Shape       `json:"shape"`
	Cost       Cost        `json:"cost"`
	Kind       ServiceKind `json:"kind,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Accepts reports whether the service takes format as input.
func (s Service) Accepts(format string) bool {
	for _, in := range s.Inputs {
		if in == format {
			return true
		}
	}
	return false
}

// Validate checks if the service descriptor is usable as a chain hop.
func (s Service) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: service id is required", shared.ErrInvalidInput)
	case len(s.Inputs) == 0:
		return fmt.Errorf("%w: service %s accepts no formats", shared.ErrInvalidInput, s.ID)
	case s.Output == "":
		return fmt.Errorf("%w: service %s produces no format", shared.ErrInvalidInput, s.ID)
	case s.Shape < OneToOne || s.Shape > ManyToOne:
		return fmt.Errorf("%w: service %s has unknown shape", shared.ErrInvalidInput, s.ID)
	case s.Cost.Known && s.Cost.Value < 0:
		return fmt.Errorf("%w: service %s has negative cost", shared.ErrInvalidInput, s.ID)
	}
	return nil
}

// MissingParameters returns the required parameters of s without a default that params does not name.
func (s Service) MissingParameters(params map[string]string) []string {
	var missing []string
	for _, p := range s.Parameters {
		if !p.Required || p.Default != "" {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}
