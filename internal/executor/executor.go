// Package executor runs migration plans.
//
// A plan moves NEW → READY → RUNNING ⇄ PAUSED → FINISHED. Every status change is a
// compare-and-set in the plan store, which is the only point of mutual exclusion between
// runners: a runner owns a plan while the plan is RUNNING under its token, and checks that
// before claiming each item. Pause and Finish only change the status; the runner notices between
// items, lets in-flight items complete and exits.
//
// Each runner is a tomb-managed goroutine that claims items one at a time, throttles them with a
// rate limiter and hands them to a bounded pool of workers. Items are completed in a single
// transaction each. When no item is left the runner finishes the plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

const (
	DefaultWorkers = 1
	MaxWorkers     = 10
)

// Store persists plans and their items. [repositories.PlanRepository] satisfies it.
type Store interface {
	Get(ctx context.Context, id string) (*models.MigrationPlan, error)
	List(ctx context.Context, criteria map[string]any) ([]*models.MigrationPlan, error)
	ChangeStatus(ctx context.Context, change models.StatusChange) (bool, error)
	Status(ctx context.Context, id string) (models.PlanStatus, string, error)
	ListItems(ctx context.Context, planID string, statuses ...models.ItemStatus) ([]*models.MigrationItem, error)
	CountItems(ctx context.Context, planID string) (models.ItemCounts, error)
	ClaimNextItem(ctx context.Context, planID string) (*models.MigrationItem, error)
	CompleteItem(ctx context.Context, item *models.MigrationItem) error
}

// ItemProcessor migrates a single item along chain.
//
// Returning an error wrapping [transform.ErrObjectNotReady] pauses the plan until the object
// becomes available; any other error fails the item.
type ItemProcessor interface {
	Process(ctx context.Context, plan *models.MigrationPlan, item *models.MigrationItem, chain models.Chain) error
}

// ProcessorFunc adapts a function to [ItemProcessor].
type ProcessorFunc func(ctx context.Context, plan *models.MigrationPlan, item *models.MigrationItem, chain models.Chain) error

func (f ProcessorFunc) Process(ctx context.Context, plan *models.MigrationPlan, item *models.MigrationItem, chain models.Chain) error {
	return f(ctx, plan, item, chain)
}

// ItemError is the failure of one item, classified by kind.
type ItemError struct {
	Kind models.ErrorKind
	Err  error
}

func (e *ItemError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ItemError) Unwrap() error { return e.Err }

// Config configures an [Executor].
type Config struct {
	Workers   int     // Concurrent items per plan (1..10)
	Rate      float64 // Items started per second; <= 0 is unlimited
	Burst     int
	Clock     clock.Clock
	Logger    *log.Logger
	Metrics   *metrics.Metrics
	Progress  int // Progress channel buffer (default: 64)
	Processor ItemProcessor
}

// Executor starts, pauses, finishes and resumes plans.
type Executor struct {
	store     Store
	processor ItemProcessor
	workers   int
	rate      rate.Limit
	burst     int
	clock     clock.Clock
	logger    *log.Logger
	metrics   *metrics.Metrics
	progress  chan ProgressUpdate

	// ctx is cancelled by Stop only; items in flight run on it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
	stopped bool
}

// New creates an Executor over store. cfg.Processor is required.
func New(store Store, cfg Config) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: executor needs a plan store", shared.ErrInvalidInput)
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("%w: executor needs an item processor", shared.ErrInvalidInput)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Workers > MaxWorkers {
		cfg.Workers = MaxWorkers
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Progress <= 0 {
		cfg.Progress = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:     store,
		processor: cfg.Processor,
		workers:   cfg.Workers,
		rate:      limit,
		burst:     cfg.Burst,
		clock:     cfg.Clock,
		logger:    shared.WithLogger(cfg.Logger, "component", "executor"),
		metrics:   cfg.Metrics,
		progress:  make(chan ProgressUpdate, cfg.Progress),
		ctx:       ctx,
		cancel:    cancel,
		runners:   make(map[string]*runner),
	}, nil
}

// Progress returns the channel progress updates are sent on. Updates are dropped when it is full.
func (e *Executor) Progress() <-chan ProgressUpdate { return e.progress }

// sendProgress sends a progress update through the channel without blocking.
func (e *Executor) sendProgress(update ProgressUpdate) {
	select {
	case e.progress <- update:
	default:
	}
}

// Start moves a READY or PAUSED plan to RUNNING and runs it. Starting a plan this process is
// already running is a no-op.
func (e *Executor) Start(ctx context.Context, planID string) error {
	if e.running(planID) {
		return nil
	}

	token := shared.GenerateID()
	applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
		PlanID: planID,
		From:   []models.PlanStatus{models.PlanReady, models.PlanPaused},
		To:     models.PlanRunning,
		Token:  token,
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.rejected(ctx, planID, models.PlanRunning)
	}

	e.metrics.PlanTransition(string(models.PlanRunning))
	e.logger.Info("plan started", "plan", planID)
	return e.spawn(planID, token)
}

// Pause moves a RUNNING plan to PAUSED. Its runner stops after the items in flight.
func (e *Executor) Pause(ctx context.Context, planID string) error {
	applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
		PlanID: planID,
		From:   []models.PlanStatus{models.PlanRunning},
		To:     models.PlanPaused,
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.rejected(ctx, planID, models.PlanPaused)
	}
	e.metrics.PlanTransition(string(models.PlanPaused))
	e.logger.Info("plan paused", "plan", planID)
	return nil
}

// Finish moves a RUNNING or PAUSED plan to FINISHED. Item statuses are left as they are.
func (e *Executor) Finish(ctx context.Context, planID string) error {
	applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
		PlanID: planID,
		From:   []models.PlanStatus{models.PlanRunning, models.PlanPaused},
		To:     models.PlanFinished,
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.rejected(ctx, planID, models.PlanFinished)
	}
	e.metrics.PlanTransition(string(models.PlanFinished))
	e.logger.Info("plan finished", "plan", planID)
	return nil
}

// Resume takes over every plan left RUNNING, typically by a process that died, and returns how
// many were taken over. Ownership moves by swapping the runner token.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	plans, err := e.store.List(ctx, map[string]any{"status": models.PlanRunning})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, plan := range plans {
		if e.running(plan.ID()) {
			continue
		}
		token := shared.GenerateID()
		applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
			PlanID:       plan.ID(),
			From:         []models.PlanStatus{models.PlanRunning},
			To:           models.PlanRunning,
			Token:        token,
			RequireToken: plan.RunnerToken(),
		})
		if err != nil {
			return resumed, err
		}
		if !applied {
			e.logger.Debug("plan changed hands before takeover", "plan", plan.ID())
			continue
		}
		if err := e.spawn(plan.ID(), token); err != nil {
			return resumed, err
		}
		resumed++
		e.logger.Info("plan resumed", "plan", plan.ID())
	}
	return resumed, nil
}

// NotifyObjectAvailable restarts every PAUSED plan waiting for objectID and returns their ids.
func (e *Executor) NotifyObjectAvailable(ctx context.Context, objectID string) ([]string, error) {
	plans, err := e.store.List(ctx, map[string]any{"status": models.PlanPaused, "awaited_object": objectID})
	if err != nil {
		return nil, err
	}

	var started []string
	for _, plan := range plans {
		err := e.Start(ctx, plan.ID())
		if errors.Is(err, shared.ErrInvalidTransition) || errors.Is(err, shared.ErrPlanBusy) {
			continue
		}
		if err != nil {
			return started, err
		}
		started = append(started, plan.ID())
	}
	if len(started) > 0 {
		e.logger.Info("object available", "object", objectID, "plans", len(started))
	}
	return started, nil
}

// Wait blocks until this process's runner for planID, if any, has exited.
func (e *Executor) Wait(planID string) error {
	e.mu.Lock()
	r := e.runners[planID]
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Wait()
}

// Stop kills every runner and waits for them. Items cut short stay RUNNING and are picked up
// again by the next runner of their plan.
func (e *Executor) Stop() error {
	e.mu.Lock()
	e.stopped = true
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		r.tomb.Kill(nil)
	}
	e.cancel()
	var errs []error
	for _, r := range runners {
		if err := r.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) running(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[planID]
	return ok && r.tomb.Alive()
}

func (e *Executor) spawn(planID, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("%w: executor is stopped", shared.ErrInvalidInput)
	}

	r := &runner{exec: e, planID: planID, token: token, prev: e.runners[planID], logger: e.logger.With("plan", planID)}
	e.runners[planID] = r
	r.tomb.Go(r.loop)
	go func() {
		<-r.tomb.Dead()
		e.mu.Lock()
		if e.runners[planID] == r {
			delete(e.runners, planID)
		}
		e.mu.Unlock()
	}()
	return nil
}

// rejected explains a status change that did not apply.
func (e *Executor) rejected(ctx context.Context, planID string, to models.PlanStatus) error {
	status, _, err := e.store.Status(ctx, planID)
	if err != nil {
		return err
	}
	if to == models.PlanRunning && status == models.PlanRunning {
		return fmt.Errorf("%w: plan %s is run by another process", shared.ErrPlanBusy, planID)
	}
	return models.InvalidTransition(status, to)
}

// runner executes one plan until it is drained, paused, finished or stopped.
type runner struct {
	tomb   tomb.Tomb
	exec   *Executor
	planID string
	token  string
	prev   *runner // an earlier runner of the plan that may still be draining
	logger *log.Logger

	mu       sync.Mutex
	awaiting string
	done     int
	total    int
}

func (r *runner) Wait() error {
	err := r.tomb.Wait()
	if errors.Is(err, tomb.ErrDying) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *runner) loop() error {
	e := r.exec
	ctx := r.tomb.Context(e.ctx)

	if r.prev != nil {
		select {
		case <-r.prev.tomb.Dead():
			r.prev = nil
		case <-r.tomb.Dying():
			return tomb.ErrDying
		}
	}

	plan, err := e.store.Get(ctx, r.planID)
	if err != nil {
		return fmt.Errorf("failed to load plan %s: %w", r.planID, err)
	}
	chains := make(map[string]models.Chain, len(plan.Paths()))
	for _, path := range plan.Paths() {
		chains[path.ID()] = path.Chain()
	}

	// Items left RUNNING were cut short by a stop, a crash or a missing object; they go first.
	leftovers, err := e.store.ListItems(ctx, r.planID, models.ItemRunning)
	if err != nil {
		return err
	}
	counts, err := e.store.CountItems(ctx, r.planID)
	if err != nil {
		return err
	}
	r.done, r.total = counts.Done+counts.Failed, counts.Total()
	e.sendProgress(startedUpdate(r.planID, counts))

	limiter := rate.NewLimiter(e.rate, e.burst)
	slots := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-r.tomb.Dying():
			return tomb.ErrDying
		}

		owned, status, err := r.owned(ctx)
		if err != nil {
			<-slots
			return err
		}
		if !owned || r.isAwaiting() {
			<-slots
			wg.Wait()
			r.logger.Info("runner stopping", "status", status)
			e.sendProgress(stoppedUpdate(r.planID, status))
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			<-slots
			return err
		}

		var item *models.MigrationItem
		if len(leftovers) > 0 {
			item, leftovers = leftovers[0], leftovers[1:]
		} else if item, err = e.store.ClaimNextItem(ctx, r.planID); err != nil {
			<-slots
			return err
		}
		if item == nil {
			<-slots
			wg.Wait()
			return r.finish(ctx)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			r.handle(plan, item, chains)
		}()
	}
}

// owned reports whether the plan is still RUNNING under this runner's token.
func (r *runner) owned(ctx context.Context) (bool, models.PlanStatus, error) {
	status, token, err := r.exec.store.Status(ctx, r.planID)
	if err != nil {
		return false, "", err
	}
	return status == models.PlanRunning && token == r.token, status, nil
}

// finish auto-finishes a drained plan. Another item may still be RUNNING if its object was not
// ready; the plan is then already PAUSED and the CAS does not apply.
func (r *runner) finish(ctx context.Context) error {
	e := r.exec
	counts, err := e.store.CountItems(ctx, r.planID)
	if err != nil {
		return err
	}
	if counts.Pending > 0 || counts.Running > 0 || r.isAwaiting() {
		return nil
	}
	applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
		PlanID:       r.planID,
		From:         []models.PlanStatus{models.PlanRunning},
		To:           models.PlanFinished,
		RequireToken: r.token,
	})
	if err != nil {
		return err
	}
	if applied {
		e.metrics.PlanTransition(string(models.PlanFinished))
		e.sendProgress(finishedUpdate(r.planID, counts))
		r.logger.Info("plan drained", "done", counts.Done, "failed", counts.Failed)
	}
	return nil
}

func (r *runner) isAwaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaiting != ""
}

// handle processes one claimed item and records its outcome.
func (r *runner) handle(plan *models.MigrationPlan, item *models.MigrationItem, chains map[string]models.Chain) {
	e := r.exec
	start := e.clock.Now()

	err := r.process(plan, item, chains)
	switch {
	case errors.Is(err, transform.ErrObjectNotReady):
		r.await(item)
		return
	case err != nil && e.ctx.Err() != nil:
		r.logger.Debug("item interrupted", "item", item.ID(), "err", err)
		return
	}

	next := models.ItemDone
	if err != nil {
		next = models.ItemFailed
		item.SetErrorKind(models.ErrorInternal)
		var ie *ItemError
		if errors.As(err, &ie) {
			item.SetErrorKind(ie.Kind)
		}
		item.AppendLog(err.Error())
	}
	if terr := item.Transition(next, e.clock.Now().UTC()); terr != nil {
		r.logger.Error("cannot complete item", "item", item.ID(), "err", terr)
		return
	}
	// Completion must land even while the executor stops.
	if cerr := e.store.CompleteItem(context.WithoutCancel(e.ctx), item); cerr != nil {
		r.logger.Error("failed to complete item", "item", item.ID(), "err", cerr)
		return
	}

	e.metrics.ItemProcessed(string(next), e.clock.Now().Sub(start))
	r.mu.Lock()
	r.done++
	step, total := r.done, r.total
	r.mu.Unlock()
	e.sendProgress(itemUpdate(r.planID, step, total, item))

	if err != nil {
		r.logger.Warn("item failed", "item", item.ID(), "object", item.ObjectID(), "kind", item.ErrorKind(), "err", err)
	} else {
		r.logger.Debug("item done", "item", item.ID(), "object", item.ObjectID())
	}
}

// process runs the processor and turns panics into internal item errors.
func (r *runner) process(plan *models.MigrationPlan, item *models.MigrationItem, chains map[string]models.Chain) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("processor panicked", "item", item.ID(), "panic", rec, "stack", string(debug.Stack()))
			err = &ItemError{Kind: models.ErrorInternal, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	chain, ok := chains[item.PathID()]
	if !ok {
		return &ItemError{Kind: models.ErrorInternal, Err: fmt.Errorf("%w: no active path for %s", shared.ErrNotFound, item.SourceFormat())}
	}
	return r.exec.processor.Process(r.exec.ctx, plan, item, chain)
}

// await pauses the plan until item's object is available. The item stays RUNNING so the next
// runner processes it first.
func (r *runner) await(item *models.MigrationItem) {
	e := r.exec
	r.mu.Lock()
	first := r.awaiting == ""
	if first {
		r.awaiting = item.ObjectID()
	}
	r.mu.Unlock()
	if !first {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 10*time.Second)
	defer cancel()
	applied, err := e.store.ChangeStatus(ctx, models.StatusChange{
		PlanID:        r.planID,
		From:          []models.PlanStatus{models.PlanRunning},
		To:            models.PlanPaused,
		RequireToken:  r.token,
		AwaitedObject: item.ObjectID(),
	})
	if err != nil {
		r.logger.Error("failed to pause for object", "object", item.ObjectID(), "err", err)
		return
	}
	if applied {
		e.metrics.PlanTransition(string(models.PlanPaused))
		e.sendProgress(awaitingUpdate(r.planID, item.ObjectID()))
		r.logger.Info("waiting for object", "object", item.ObjectID())
	}
}
