// Package catalog defines the read-only service catalog consulted by chain composition.
//
// Implementations:
//   - [Static] : An in-memory catalog, usually loaded from a YAML file with [LoadFile]
//   - [Cached] : A decorator memoizing lookups in an LRU cache with a TTL
//
// A remote HTTP catalog lives in the services package.
//
// Lookup errors from a backend that cannot be reached wrap [shared.ErrCatalogUnavailable].
package catalog

import (
	"context"

	"github.com/desertthunder/pmx/internal/models"
)

// Catalog answers which conversion services accept a format and whether formats are at risk.
type Catalog interface {
	// LookupServicesAccepting returns every service that takes formatID as input.
	LookupServicesAccepting(ctx context.Context, formatID string) ([]models.Service, error)
	// IsAtRisk reports whether formatID is flagged obsolete or withdrawn.
	// Formats unknown to the catalog are not at risk.
	IsAtRisk(ctx context.Context, formatID string) (bool, error)
	// Format returns the descriptor of a format, or an error wrapping [shared.ErrNotFound].
	Format(ctx context.Context, id string) (models.Format, error)
	// Service returns the descriptor of a service, or an error wrapping [shared.ErrNotFound].
	Service(ctx context.Context, id string) (models.Service, error)
}
