package repositories

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

func TestAsyncRepository(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	complete := func(t *testing.T, repo *AsyncRepository, token, key string, code int, at time.Time) *models.AsyncResult {
		t.Helper()
		if _, created, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest(token, key, "obj", at)); err != nil || !created {
			t.Fatalf("failed to create request: %v %v", created, err)
		}
		result := models.NewAsyncResult("res-"+token, token, key, at)
		result.SetCode(code)
		result.SetPayloadRef("res-" + token)
		if err := repo.Complete(ctx, token, result); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		return result
	}

	t.Run("CreateIfAbsent deduplicates in-progress keys", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()
		repo := NewAsyncRepository(db)

		first, created, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest("t1", "urn:obj:a:k", "obj", now))
		if err != nil || !created {
			t.Fatalf("expected creation, got %v %v", created, err)
		}
		second, created, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest("t2", "urn:obj:a:k", "obj", now))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created || second.Token() != first.Token() {
			t.Errorf("expected existing token t1, got %s created=%v", second.Token(), created)
		}

		running, err := repo.FindInProgress(ctx, "urn:obj:a:k")
		if err != nil || running == nil || running.Token() != "t1" {
			t.Errorf("expected t1 in progress, got %v %v", running, err)
		}
	})

	t.Run("Complete frees the key", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()
		repo := NewAsyncRepository(db)

		complete(t, repo, "t1", "k", 200, now)

		req, err := repo.Request(ctx, "t1")
		if err != nil {
			t.Fatalf("failed to get request: %v", err)
		}
		if req.InProgress() || req.ResultID() != "res-t1" {
			t.Errorf("expected completed request, got %v %q", req.InProgress(), req.ResultID())
		}

		if running, _ := repo.FindInProgress(ctx, "k"); running != nil {
			t.Error("no request should be in progress")
		}
		if _, created, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest("t2", "k", "", now)); err != nil || !created {
			t.Errorf("expected the key to be free, got %v %v", created, err)
		}
	})

	t.Run("AbandonInProgress fails requests of a stopped process", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()
		repo := NewAsyncRepository(db)

		if _, _, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest("dead", "urn:obj:42:v1", "obj", now.Add(-time.Hour))); err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		if _, _, err := repo.CreateIfAbsent(ctx, models.NewAsyncRequest("live", "urn:obj:43:v1", "obj", now.Add(time.Minute))); err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		complete(t, repo, "done", "urn:obj:44:v1", 200, now.Add(-2*time.Hour))

		tokens, err := repo.AbandonInProgress(ctx, now, now)
		if err != nil {
			t.Fatalf("AbandonInProgress failed: %v", err)
		}
		if len(tokens) != 1 || tokens[0] != "dead" {
			t.Fatalf("expected only dead to be abandoned, got %v", tokens)
		}

		req, err := repo.Request(ctx, "dead")
		if err != nil {
			t.Fatalf("failed to get request: %v", err)
		}
		if req.InProgress() || req.ResultID() == "" {
			t.Fatalf("expected a completed request, got %v %q", req.InProgress(), req.ResultID())
		}
		result, err := repo.Result(ctx, req.ResultID())
		if err != nil {
			t.Fatalf("failed to get result: %v", err)
		}
		if result.Code() != 503 || result.OK() {
			t.Errorf("expected a 503 result, got %d", result.Code())
		}
		if !strings.Contains(result.Message(), "abandoned") {
			t.Errorf("expected an abandonment message, got %q", result.Message())
		}

		if running, _ := repo.FindInProgress(ctx, "urn:obj:42:v1"); running != nil {
			t.Error("the abandoned key should be free")
		}
		if running, _ := repo.FindInProgress(ctx, "urn:obj:43:v1"); running == nil || running.Token() != "live" {
			t.Error("requests created after the cutoff stay in progress")
		}

		tokens, err = repo.AbandonInProgress(ctx, now, now)
		if err != nil || len(tokens) != 0 {
			t.Errorf("expected nothing left to abandon, got %v %v", tokens, err)
		}
	})

	t.Run("FindResult returns the newest fresh success", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()
		repo := NewAsyncRepository(db)

		complete(t, repo, "old", "k", 200, now.Add(-2*time.Hour))
		complete(t, repo, "new", "k", 200, now.Add(-time.Minute))
		complete(t, repo, "bad", "k", 500, now)

		got, err := repo.FindResult(ctx, "k", now.Add(-time.Hour))
		if err != nil || got == nil {
			t.Fatalf("expected a result, got %v %v", got, err)
		}
		if got.Token() != "new" {
			t.Errorf("expected newest success, got %s", got.Token())
		}
		if !got.ComputedOn().Equal(now.Add(-time.Minute)) {
			t.Errorf("computed_on did not round-trip: %v", got.ComputedOn())
		}

		got, err = repo.FindResult(ctx, "k", now.Add(time.Minute))
		if err != nil || got != nil {
			t.Errorf("expected no fresh result, got %v %v", got, err)
		}
	})

	t.Run("ExpiredResults and DeleteResult", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()
		repo := NewAsyncRepository(db)

		complete(t, repo, "a", "k1", 200, now.Add(-3*time.Hour))
		complete(t, repo, "b", "k2", 500, now.Add(-2*time.Hour))
		complete(t, repo, "c", "k3", 200, now)

		expired, err := repo.ExpiredResults(ctx, now.Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(expired) != 2 || expired[0].Token() != "a" {
			t.Fatalf("expected a and b oldest first, got %d", len(expired))
		}

		if err := repo.DeleteResult(ctx, expired[0].ID()); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if _, err := repo.Result(ctx, expired[0].ID()); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected result gone, got %v", err)
		}
		if _, err := repo.Request(ctx, "a"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected request gone, got %v", err)
		}
		if err := repo.DeleteResult(ctx, expired[0].ID()); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}

		limited, _ := repo.ExpiredResults(ctx, now.Add(time.Hour), 1)
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}
	})
}
