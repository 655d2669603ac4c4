package catalog

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// Static is an immutable in-memory [Catalog].
type Static struct {
	formats  map[string]models.Format
	services map[string]models.Service
	// byInput preserves declaration order so composition is deterministic.
	byInput map[string][]string
}

// NewStatic indexes formats and services. Every service must validate and ids must be unique.
func NewStatic(formats []models.Format, services []models.Service) (*Static, error) {
	s := &Static{
		formats:  make(map[string]models.Format, len(formats)),
		services: make(map[string]models.Service, len(services)),
		byInput:  make(map[string][]string),
	}
	for _, f := range formats {
		if f.ID == "" {
			return nil, fmt.Errorf("%w: format without id", shared.ErrInvalidInput)
		}
		if _, dup := s.formats[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate format %s", shared.ErrInvalidInput, f.ID)
		}
		s.formats[f.ID] = f
	}
	for _, svc := range services {
		if err := svc.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.services[svc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate service %s", shared.ErrInvalidInput, svc.ID)
		}
		s.services[svc.ID] = svc
		for _, in := range svc.Inputs {
			s.byInput[in] = append(s.byInput[in], svc.ID)
		}
	}
	return s, nil
}

func (s *Static) LookupServicesAccepting(ctx context.Context, formatID string) ([]models.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := s.byInput[formatID]
	out := make([]models.Service, 0, len(ids))
	for _, id := range ids {
		svc := s.services[id]
		svc.Inputs = slices.Clone(svc.Inputs)
		out = append(out, svc)
	}
	return out, nil
}

func (s *Static) IsAtRisk(ctx context.Context, formatID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.formats[formatID].AtRisk, nil
}

func (s *Static) Format(ctx context.Context, id string) (models.Format, error) {
	f, ok := s.formats[id]
	if !ok {
		return models.Format{}, fmt.Errorf("%w: format %s", shared.ErrNotFound, id)
	}
	return f, nil
}

func (s *Static) Service(ctx context.Context, id string) (models.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return models.Service{}, fmt.Errorf("%w: service %s", shared.ErrNotFound, id)
	}
	return svc, nil
}

// Formats returns every format sorted by id.
func (s *Static) Formats() []models.Format {
	out := make([]models.Format, 0, len(s.formats))
	for _, f := range s.formats {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b models.Format) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

type fileService struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Endpoint   string             `yaml:"endpoint"`
	Inputs     []string           `yaml:"inputs"`
	Output     string             `yaml:"output"`
	Shape      string             `yaml:"shape"`
	Cost       *int               `yaml:"cost"`
	Kind       string             `yaml:"kind"`
	Parameters []models.Parameter `yaml:"parameters"`
}

type file struct {
	Formats  []models.Format `yaml:"formats"`
	Services []fileService   `yaml:"services"`
}

// Parse decodes a YAML catalog document.
//
// A missing shape means ONE_TO_ONE, a missing kind means MIGRATION and a missing cost is unknown.
func Parse(data []byte) (*Static, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: catalog: %w", shared.ErrInvalidInput, err)
	}

	services := make([]models.Service, 0, len(doc.Services))
	for _, fs := range doc.Services {
		svc := models.Service{
			ID:         fs.ID,
			Name:       fs.Name,
			Endpoint:   fs.Endpoint,
			Inputs:     fs.Inputs,
			Output:     fs.Output,
			Kind:       models.KindMigration,
			Parameters: fs.Parameters,
		}
		if fs.Shape != "" {
			shape, err := models.ParseShape(fs.Shape)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", fs.ID, err)
			}
			svc.Shape = shape
		}
		if fs.Cost != nil {
			svc.Cost = models.KnownCost(*fs.Cost)
		}
		switch kind := models.ServiceKind(fs.Kind); kind {
		case "":
		case models.KindMigration, models.KindConversion:
			svc.Kind = kind
		default:
			return nil, fmt.Errorf("%w: service %s has unknown kind %q", shared.ErrInvalidInput, fs.ID, fs.Kind)
		}
		services = append(services, svc)
	}
	return NewStatic(doc.Formats, services)
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrCatalogUnavailable, err)
	}
	return Parse(data)
}
