package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// CatalogClient implements catalog.Catalog over a remote HTTP registry.
//
// Endpoints:
//   - GET /formats/{id}
//   - GET /formats/{id}/services
//   - GET /services/{id}
type CatalogClient struct {
	api *APIService
}

// NewCatalogClient creates a client for the registry behind api.
func NewCatalogClient(api *APIService) *CatalogClient {
	return &CatalogClient{api: api}
}

type servicesEnvelope struct {
	Services []models.Service `json:"services"`
}

func (c *CatalogClient) LookupServicesAccepting(ctx context.Context, formatID string) ([]models.Service, error) {
	path := "/formats/" + url.PathEscape(formatID) + "/services"
	resp, err := c.api.Get(ctx, path)
	if err != nil {
		return nil, c.unavailable(err)
	}
	if resp.StatusCode == 404 {
		return []models.Service{}, nil
	}
	if err := resp.Err(path); err != nil {
		return nil, c.unavailable(err)
	}

	var env servicesEnvelope
	if err := decodeList(resp.Body, &env.Services, &env); err != nil {
		return nil, c.unavailable(fmt.Errorf("decode %s: %w", path, err))
	}
	for _, svc := range env.Services {
		if err := svc.Validate(); err != nil {
			return nil, c.unavailable(err)
		}
	}
	return env.Services, nil
}

// IsAtRisk reports the registry's risk flag. Formats the registry does not know are not at risk.
func (c *CatalogClient) IsAtRisk(ctx context.Context, formatID string) (bool, error) {
	f, err := c.Format(ctx, formatID)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.AtRisk, nil
}

func (c *CatalogClient) Format(ctx context.Context, id string) (models.Format, error) {
	var f models.Format
	if err := c.api.GetJSON(ctx, "/formats/"+url.PathEscape(id), &f); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return models.Format{}, fmt.Errorf("%w: format %s", shared.ErrNotFound, id)
		}
		return models.Format{}, c.unavailable(err)
	}
	if f.ID == "" {
		f.ID = id
	}
	return f, nil
}

func (c *CatalogClient) Service(ctx context.Context, id string) (models.Service, error) {
	var svc models.Service
	if err := c.api.GetJSON(ctx, "/services/"+url.PathEscape(id), &svc); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return models.Service{}, fmt.Errorf("%w: service %s", shared.ErrNotFound, id)
		}
		return models.Service{}, c.unavailable(err)
	}
	if err := svc.Validate(); err != nil {
		return models.Service{}, c.unavailable(err)
	}
	return svc, nil
}

func (c *CatalogClient) unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", shared.ErrCatalogUnavailable, c.api.BaseURL(), err)
}

// decodeList accepts either a bare JSON array into list or an envelope object into env.
func decodeList(body []byte, list any, env any) error {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, list)
	}
	return json.Unmarshal(body, env)
}
