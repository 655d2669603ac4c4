package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

func registry(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/formats/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "fmt:tiff" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(models.Format{ID: "fmt:tiff", Name: "TIFF", AtRisk: true})
	})
	r.Get("/formats/{id}/services", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "id") {
		case "fmt:tiff":
			json.NewEncoder(w).Encode([]models.Service{{ID: "t2j", Inputs: []string{"fmt:tiff"}, Output: "fmt:jp2", Cost: models.KnownCost(3)}})
		case "fmt:png":
			json.NewEncoder(w).Encode(map[string]any{"services": []models.Service{}})
		case "fmt:broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	})
	r.Get("/services/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "t2j" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(models.Service{ID: "t2j", Inputs: []string{"fmt:tiff"}, Output: "fmt:jp2", Endpoint: "http://conv/t2j"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalogClient(t *testing.T) {
	ctx := context.Background()
	srv := registry(t)
	client := NewCatalogClient(NewAPIService(srv.URL, srv.Client()))

	t.Run("lookup decodes bare arrays and envelopes", func(t *testing.T) {
		services, err := client.LookupServicesAccepting(ctx, "fmt:tiff")
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "t2j", services[0].ID)
		assert.Equal(t, models.KnownCost(3), services[0].Cost)

		services, err = client.LookupServicesAccepting(ctx, "fmt:png")
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("unknown format has no services", func(t *testing.T) {
		services, err := client.LookupServicesAccepting(ctx, "fmt:unknown")
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("server errors are catalog unavailability", func(t *testing.T) {
		_, err := client.LookupServicesAccepting(ctx, "fmt:broken")
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
		assert.True(t, shared.IsRetryable(err))
	})

	t.Run("risk flag", func(t *testing.T) {
		risky, err := client.IsAtRisk(ctx, "fmt:tiff")
		require.NoError(t, err)
		assert.True(t, risky)

		risky, err = client.IsAtRisk(ctx, "fmt:unknown")
		require.NoError(t, err)
		assert.False(t, risky)
	})

	t.Run("service by id", func(t *testing.T) {
		svc, err := client.Service(ctx, "t2j")
		require.NoError(t, err)
		assert.Equal(t, "http://conv/t2j", svc.Endpoint)

		_, err = client.Service(ctx, "nope")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("unreachable registry", func(t *testing.T) {
		dead := NewCatalogClient(NewAPIService("http://127.0.0.1:1", nil))
		_, err := dead.Format(ctx, "fmt:tiff")
		assert.True(t, errors.Is(err, shared.ErrCatalogUnavailable))
	})
}
