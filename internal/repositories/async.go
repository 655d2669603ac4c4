package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// AsyncRepository persists gate requests and results. It satisfies gate.Store.
type AsyncRepository struct {
	db *sql.DB
}

// NewAsyncRepository creates a new AsyncRepository with the given database connection
func NewAsyncRepository(db *sql.DB) *AsyncRepository {
	return &AsyncRepository{db: db}
}

const resultSelect = `
	SELECT id, token, request_key, code, content_type, filename, payload_ref, message, computed_on
	FROM async_results`

const requestSelect = `
	SELECT token, request_key, kind, created_at, in_progress, result_id
	FROM async_requests`

// FindResult returns the newest successful result for key computed at or after notBefore, or nil.
func (r *AsyncRepository) FindResult(ctx context.Context, key string, notBefore time.Time) (*models.AsyncResult, error) {
	result, err := scanResult(r.db.QueryRowContext(ctx, resultSelect+`
		WHERE request_key = ? AND code >= 200 AND code < 300
		ORDER BY computed_on DESC
		LIMIT 1
	`, key))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Compared in Go so stored timestamp formatting never affects freshness.
	if result.ComputedOn().Before(notBefore) {
		return nil, nil
	}
	return result, nil
}

// FindInProgress returns the in-progress request for key, or nil.
func (r *AsyncRepository) FindInProgress(ctx context.Context, key string) (*models.AsyncRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, requestSelect+" WHERE request_key = ? AND in_progress = 1", key))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	return req, err
}

// CreateIfAbsent inserts req unless a request for its key is already in progress.
// The partial unique index on in-progress keys makes the check and insert atomic.
func (r *AsyncRepository) CreateIfAbsent(ctx context.Context, req *models.AsyncRequest) (*models.AsyncRequest, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO async_requests (token, request_key, kind, created_at, in_progress)
		VALUES (?, ?, ?, ?, 1)
	`, req.Token(), req.Key(), nullable(req.Kind()), req.CreatedAt().UTC())
	if err == nil {
		return req, true, nil
	}

	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return nil, false, fmt.Errorf("failed to insert request: %w", err)
	}

	existing, ferr := r.FindInProgress(ctx, req.Key())
	if ferr != nil {
		return nil, false, ferr
	}
	if existing == nil {
		// The other request completed between the insert and the lookup.
		return r.CreateIfAbsent(ctx, req)
	}
	return existing, false, nil
}

// Complete stores result and clears the in-progress flag of the request in one transaction.
func (r *AsyncRepository) Complete(ctx context.Context, token string, result *models.AsyncResult) error {
	if err := result.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := completeTx(ctx, tx, token, result); err != nil {
		return err
	}
	return tx.Commit()
}

// AbandonInProgress fails the requests in progress created before the cutoff in one transaction.
func (r *AsyncRepository) AbandonInProgress(ctx context.Context, before, at time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, requestSelect+" WHERE in_progress = 1 ORDER BY token")
	if err != nil {
		return nil, fmt.Errorf("failed to list requests in progress: %w", err)
	}
	var stale []*models.AsyncRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		// Compared in Go, as in FindResult.
		if req.CreatedAt().Before(before) {
			stale = append(stale, req)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(stale))
	for _, req := range stale {
		if err := completeTx(ctx, tx, req.Token(), models.AbandonedResult(shared.GenerateID(), req, at)); err != nil {
			return nil, err
		}
		tokens = append(tokens, req.Token())
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit abandoned requests: %w", err)
	}
	return tokens, nil
}

// completeTx inserts result and points the request at it.
func completeTx(ctx context.Context, tx *sql.Tx, token string, result *models.AsyncResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO async_results (id, token, request_key, code, content_type, filename, payload_ref, message, computed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID(),
		token,
		result.Key(),
		result.Code(),
		nullable(result.ContentType()),
		nullable(result.Filename()),
		nullable(result.PayloadRef()),
		nullable(result.Message()),
		result.ComputedOn().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	res, err := tx.ExecContext(ctx, "UPDATE async_requests SET in_progress = 0, result_id = ? WHERE token = ?", result.ID(), token)
	if err != nil {
		return fmt.Errorf("failed to complete request: %w", err)
	}
	return expectRow(res, "request", token)
}

// Request retrieves a request by token.
func (r *AsyncRepository) Request(ctx context.Context, token string) (*models.AsyncRequest, error) {
	return scanRequest(r.db.QueryRowContext(ctx, requestSelect+" WHERE token = ?", token))
}

// Result retrieves a result by ID.
func (r *AsyncRepository) Result(ctx context.Context, id string) (*models.AsyncResult, error) {
	return scanResult(r.db.QueryRowContext(ctx, resultSelect+" WHERE id = ?", id))
}

// ExpiredResults lists up to limit results computed before the cutoff, oldest first.
func (r *AsyncRepository) ExpiredResults(ctx context.Context, before time.Time, limit int) ([]*models.AsyncResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, resultSelect+" WHERE computed_on < ? ORDER BY computed_on ASC LIMIT ?", before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired results: %w", err)
	}
	defer rows.Close()

	var results []*models.AsyncResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// DeleteResult removes a result and the completed requests pointing at it.
func (r *AsyncRepository) DeleteResult(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM async_requests WHERE result_id = ? AND in_progress = 0", id); err != nil {
		return fmt.Errorf("failed to delete requests: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM async_results WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	if err := expectRow(res, "result", id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanRequest(row scanner) (*models.AsyncRequest, error) {
	var (
		token, key string
		kind, rid  sql.NullString
		createdAt  time.Time
		inProgress bool
	)
	err := row.Scan(&token, &key, &kind, &createdAt, &inProgress, &rid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	req := models.NewAsyncRequest(token, key, kind.String, createdAt)
	if !inProgress {
		req.Complete(rid.String)
	}
	return req, nil
}

func scanResult(row scanner) (*models.AsyncResult, error) {
	var (
		id, token, key                             string
		code                                       int
		contentType, filename, payloadRef, message sql.NullString
		computedOn                                 time.Time
	)
	err := row.Scan(&id, &token, &key, &code, &contentType, &filename, &payloadRef, &message, &computedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: result", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}

	result := models.NewAsyncResult(id, token, key, computedOn)
	result.SetCode(code)
	result.SetContentType(contentType.String)
	result.SetFilename(filename.String)
	result.SetPayloadRef(payloadRef.String)
	result.SetMessage(message.String)
	return result, nil
}
