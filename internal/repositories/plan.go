package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// PlanRepository implements models.Repository[*models.MigrationPlan] over the plans, plan_paths
// and plan_items tables.
//
// Besides CRUD it provides the atomic operations the executor relies on: a compare-and-set on
// plan status, claiming the next pending item and completing an item.
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository creates a new PlanRepository with the given database connection
func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create inserts a plan with its paths and items in one transaction, assigning ids and sequence.
func (r *PlanRepository) Create(ctx context.Context, plan *models.MigrationPlan) error {
	sequence, err := NextSequence(r.db, "plans")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	plan.SetID(shared.GenerateID())
	plan.SetSequence(sequence)
	for _, path := range plan.Paths() {
		path.SetID(shared.GenerateID())
		path.SetPlanID(plan.ID())
	}
	for _, item := range plan.Items() {
		item.SetID(shared.GenerateID())
		item.SetPlanID(plan.ID())
		if active := plan.ActivePath(item.SourceFormat()); active != nil {
			item.SetPathID(active.ID())
		}
	}

	if err := plan.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	targets, err := json.Marshal(plan.TargetFormats())
	if err != nil {
		return fmt.Errorf("failed to encode target formats: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (
			id, sequence, name, owner, status, runner_token, source_format, target_formats,
			descriptor, awaited_object, created_at, updated_at, started_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		plan.ID(),
		plan.Sequence(),
		plan.Name(),
		nullable(plan.Owner()),
		plan.Status(),
		nullable(plan.RunnerToken()),
		nullable(plan.SourceFormat()),
		string(targets),
		nullable(plan.Descriptor()),
		nullable(plan.AwaitedObject()),
		plan.CreatedAt().UTC(),
		plan.UpdatedAt().UTC(),
		plan.StartedAt(),
		plan.FinishedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for _, path := range plan.Paths() {
		if err := path.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		chain, err := json.Marshal(path.Chain())
		if err != nil {
			return fmt.Errorf("failed to encode chain: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plan_paths (id, plan_id, position, source_format, chain_key, chain, active)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, path.ID(), plan.ID(), path.Position(), path.SourceFormat(), path.Chain().Key(), string(chain), path.Active())
		if err != nil {
			return fmt.Errorf("failed to insert path: %w", err)
		}
	}

	for _, item := range plan.Items() {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plan_items (id, plan_id, position, object_id, source_format, path_id, status, log)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID(), plan.ID(), item.Position(), item.ObjectID(), item.SourceFormat(),
			nullable(item.PathID()), item.Status(), item.Log())
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// Get retrieves a plan by ID with its paths and items.
func (r *PlanRepository) Get(ctx context.Context, id string) (*models.MigrationPlan, error) {
	plan, err := r.scanPlan(r.db.QueryRowContext(ctx, planSelect+" WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	paths, err := r.Paths(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.SetPaths(paths)

	items, err := r.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.SetItems(items)
	return plan, nil
}

// Update writes the plan row, the active flags of its paths and the path assignment of its items
// in one transaction. Only plans stored as NEW or READY are editable; others yield
// [shared.ErrPlanBusy]. Status changes of running plans go through [PlanRepository.ChangeStatus].
func (r *PlanRepository) Update(ctx context.Context, plan *models.MigrationPlan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	plan.SetUpdatedAt(now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	targets, err := json.Marshal(plan.TargetFormats())
	if err != nil {
		return fmt.Errorf("failed to encode target formats: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE plans
		SET name = ?, owner = ?, status = ?, source_format = ?, target_formats = ?,
			awaited_object = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		plan.Name(),
		nullable(plan.Owner()),
		plan.Status(),
		nullable(plan.SourceFormat()),
		string(targets),
		nullable(plan.AwaitedObject()),
		now,
		plan.ID(),
		models.PlanNew,
		models.PlanReady,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM plans WHERE id = ?", plan.ID()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: plan %s", shared.ErrNotFound, plan.ID())
		}
		if err != nil {
			return fmt.Errorf("failed to query plan: %w", err)
		}
		return fmt.Errorf("%w: plan %s is %s", shared.ErrPlanBusy, plan.ID(), status)
	}

	// Deactivate first so the partial unique index on active paths never sees two at once.
	if _, err := tx.ExecContext(ctx, "UPDATE plan_paths SET active = 0 WHERE plan_id = ?", plan.ID()); err != nil {
		return fmt.Errorf("failed to reset active paths: %w", err)
	}
	for _, path := range plan.Paths() {
		if !path.Active() {
			continue
		}
		if _, err := tx.ExecContext(ctx, "UPDATE plan_paths SET active = 1 WHERE id = ? AND plan_id = ?", path.ID(), plan.ID()); err != nil {
			return fmt.Errorf("failed to activate path: %w", err)
		}
	}
	for _, item := range plan.Items() {
		if _, err := tx.ExecContext(ctx, "UPDATE plan_items SET path_id = ? WHERE id = ? AND plan_id = ?",
			nullable(item.PathID()), item.ID(), plan.ID()); err != nil {
			return fmt.Errorf("failed to assign item path: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan update: %w", err)
	}
	return nil
}

// Delete removes a plan with its paths and items. Plans that are RUNNING or PAUSED cannot be
// deleted and yield [shared.ErrPlanBusy].
func (r *PlanRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM plans WHERE id = ? AND status NOT IN (?, ?)",
		id, models.PlanRunning, models.PlanPaused)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, "SELECT status FROM plans WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: plan %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to query plan: %w", err)
	}
	return fmt.Errorf("%w: plan %s is %s", shared.ErrPlanBusy, id, status)
}

// List retrieves plans matching criteria, newest first. Paths are loaded, items are not.
//
// Supported criteria: "status" ([models.PlanStatus] or string), "owner" and "awaited_object".
func (r *PlanRepository) List(ctx context.Context, criteria map[string]any) ([]*models.MigrationPlan, error) {
	var (
		where []string
		args  []any
	)
	for _, key := range []string{"status", "owner", "awaited_object"} {
		v, ok := criteria[key]
		if !ok {
			continue
		}
		where = append(where, key+" = ?")
		args = append(args, fmt.Sprint(v))
	}

	query := planSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.MigrationPlan
	for rows.Next() {
		plan, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	for _, plan := range plans {
		paths, err := r.Paths(ctx, plan.ID())
		if err != nil {
			return nil, err
		}
		plan.SetPaths(paths)
	}
	return plans, nil
}

// ChangeStatus applies a compare-and-set on a plan's status and reports whether it applied.
//
// Entering RUNNING stamps started_at once and clears the awaited object. Entering FINISHED
// stamps finished_at.
func (r *PlanRepository) ChangeStatus(ctx context.Context, change models.StatusChange) (bool, error) {
	if len(change.From) == 0 {
		return false, fmt.Errorf("%w: status change without source states", shared.ErrInvalidInput)
	}
	for _, from := range change.From {
		if !from.CanTransition(change.To) && !(from == change.To && change.Token != "") {
			return false, models.InvalidTransition(from, change.To)
		}
	}

	now := time.Now().UTC()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{change.To, now}

	if change.Token != "" {
		set = append(set, "runner_token = ?")
		args = append(args, change.Token)
	}
	switch change.To {
	case models.PlanRunning:
		set = append(set, "started_at = COALESCE(started_at, ?)", "awaited_object = NULL")
		args = append(args, now)
	case models.PlanPaused:
		set = append(set, "awaited_object = ?")
		args = append(args, nullable(change.AwaitedObject))
	case models.PlanFinished:
		set = append(set, "finished_at = ?", "awaited_object = NULL")
		args = append(args, now)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(change.From)), ", ")
	query := fmt.Sprintf("UPDATE plans SET %s WHERE id = ? AND status IN (%s)", strings.Join(set, ", "), placeholders)
	args = append(args, change.PlanID)
	for _, from := range change.From {
		args = append(args, from)
	}
	if change.RequireToken != "" {
		query += " AND runner_token = ?"
		args = append(args, change.RequireToken)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to change plan status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Status returns the current status and runner token of a plan.
func (r *PlanRepository) Status(ctx context.Context, id string) (models.PlanStatus, string, error) {
	var (
		status string
		token  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, "SELECT status, runner_token FROM plans WHERE id = ?", id).Scan(&status, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: plan %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query plan status: %w", err)
	}
	return models.PlanStatus(status), token.String, nil
}

// Paths returns the paths of a plan in position order.
func (r *PlanRepository) Paths(ctx context.Context, planID string) ([]*models.MigrationPath, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, plan_id, position, chain, active
		FROM plan_paths
		WHERE plan_id = ?
		ORDER BY position ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer rows.Close()

	var paths []*models.MigrationPath
	for rows.Next() {
		var (
			id, pid, raw string
			position     int
			active       bool
		)
		if err := rows.Scan(&id, &pid, &position, &raw, &active); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		var chain models.Chain
		if err := json.Unmarshal([]byte(raw), &chain); err != nil {
			return nil, fmt.Errorf("failed to decode chain of path %s: %w", id, err)
		}
		path := models.NewMigrationPath(chain)
		path.SetID(id)
		path.SetPlanID(pid)
		path.SetPosition(position)
		path.SetActive(active)
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

// ListItems returns the items of a plan in position order, optionally restricted to statuses.
func (r *PlanRepository) ListItems(ctx context.Context, planID string, statuses ...models.ItemStatus) ([]*models.MigrationItem, error) {
	query := itemSelect + " WHERE plan_id = ?"
	args := []any{planID}
	if len(statuses) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY position ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*models.MigrationItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// CountItems tallies a plan's items by status.
func (r *PlanRepository) CountItems(ctx context.Context, planID string) (models.ItemCounts, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM plan_items WHERE plan_id = ? GROUP BY status", planID)
	if err != nil {
		return models.ItemCounts{}, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	var counts models.ItemCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.ItemCounts{}, fmt.Errorf("failed to scan count: %w", err)
		}
		switch models.ItemStatus(status) {
		case models.ItemPending:
			counts.Pending = n
		case models.ItemRunning:
			counts.Running = n
		case models.ItemDone:
			counts.Done = n
		case models.ItemFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ClaimNextItem atomically moves the first PENDING item of a plan to RUNNING and returns it.
// It returns nil when no item is pending.
func (r *PlanRepository) ClaimNextItem(ctx context.Context, planID string) (*models.MigrationItem, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		UPDATE plan_items
		SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM plan_items
			WHERE plan_id = ? AND status = ?
			ORDER BY position ASC
			LIMIT 1
		) AND status = ?
		RETURNING id`,
		models.ItemRunning, time.Now().UTC(), planID, models.ItemPending, models.ItemPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim item: %w", err)
	}
	return r.Item(ctx, id)
}

// Item returns a single item by id.
func (r *PlanRepository) Item(ctx context.Context, id string) (*models.MigrationItem, error) {
	return scanItem(r.db.QueryRowContext(ctx, itemSelect+" WHERE id = ?", id))
}

// SetItemRequest records the gate request token serving a running item.
func (r *PlanRepository) SetItemRequest(ctx context.Context, itemID, requestID string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE plan_items SET request_id = ? WHERE id = ? AND status = ?",
		requestID, itemID, models.ItemRunning)
	if err != nil {
		return fmt.Errorf("failed to set item request: %w", err)
	}
	return expectRow(result, "running item", itemID)
}

// CompleteItem moves a RUNNING item to its terminal status with its log, error kind and end time,
// and touches the owning plan, as one unit of work.
func (r *PlanRepository) CompleteItem(ctx context.Context, item *models.MigrationItem) error {
	if !item.Status().Terminal() {
		return fmt.Errorf("%w: item %s completed as %s", shared.ErrInvalidTransition, item.ID(), item.Status())
	}
	ended := time.Now().UTC()
	if item.EndedAt() != nil {
		ended = item.EndedAt().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE plan_items
		SET status = ?, log = ?, error_kind = ?, request_id = COALESCE(?, request_id), ended_at = ?
		WHERE id = ? AND status = ?
	`, item.Status(), item.Log(), nullable(string(item.ErrorKind())), nullable(item.RequestID()), ended,
		item.ID(), models.ItemRunning)
	if err != nil {
		return fmt.Errorf("failed to complete item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: item %s is not running", shared.ErrInvalidTransition, item.ID())
	}

	if _, err := tx.ExecContext(ctx, "UPDATE plans SET updated_at = ? WHERE id = ?", ended, item.PlanID()); err != nil {
		return fmt.Errorf("failed to touch plan: %w", err)
	}
	return tx.Commit()
}

const planSelect = `
	SELECT
		id, sequence, name, owner, status, runner_token, source_format, target_formats,
		descriptor, awaited_object, created_at, updated_at, started_at, finished_at
	FROM plans`

const itemColumns = `id, plan_id, position, object_id, source_format, path_id, status, log,
	error_kind, request_id, started_at, ended_at`

const itemSelect = "SELECT " + itemColumns + " FROM plan_items"

type scanner interface {
	Scan(dest ...any) error
}

func (r *PlanRepository) scanPlan(row scanner) (*models.MigrationPlan, error) {
	var (
		id, name, status                                    string
		sequence                                            int
		owner, token, source, targets, descriptor, awaiting sql.NullString
		createdAt, updatedAt                                time.Time
		startedAt, finishedAt                               sql.NullTime
	)
	err := row.Scan(&id, &sequence, &name, &owner, &status, &token, &source, &targets,
		&descriptor, &awaiting, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}

	plan := models.NewMigrationPlan(name, owner.String)
	plan.SetID(id)
	plan.SetSequence(sequence)
	plan.SetStatus(models.PlanStatus(status))
	plan.SetRunnerToken(token.String)
	plan.SetSourceFormat(source.String)
	plan.SetDescriptor(descriptor.String)
	plan.SetAwaitedObject(awaiting.String)
	plan.SetCreatedAt(createdAt)
	plan.SetUpdatedAt(updatedAt)
	plan.SetStartedAt(timePtr(startedAt))
	plan.SetFinishedAt(timePtr(finishedAt))

	if targets.Valid && targets.String != "" {
		var ids []string
		if err := json.Unmarshal([]byte(targets.String), &ids); err != nil {
			return nil, fmt.Errorf("failed to decode target formats: %w", err)
		}
		plan.SetTargetFormats(ids)
	}
	return plan, nil
}

func scanItem(row scanner) (*models.MigrationItem, error) {
	var (
		id, planID, objectID, source, status, log string
		position                                  int
		pathID, errorKind, requestID              sql.NullString
		startedAt, endedAt                        sql.NullTime
	)
	err := row.Scan(&id, &planID, &position, &objectID, &source, &pathID, &status, &log,
		&errorKind, &requestID, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item := models.NewMigrationItem(objectID, source)
	item.SetID(id)
	item.SetPlanID(planID)
	item.SetPosition(position)
	item.SetPathID(pathID.String)
	item.SetStatus(models.ItemStatus(status))
	item.SetLog(log)
	item.SetErrorKind(models.ErrorKind(errorKind.String))
	item.SetRequestID(requestID.String)
	item.SetStartedAt(timePtr(startedAt))
	item.SetEndedAt(timePtr(endedAt))
	return item, nil
}
