// Package gate runs long conversions asynchronously behind a token.
//
// Identical submissions share work: a fresh successful result for the same key is returned from
// cache, and a request already in progress for the key is joined. Otherwise the work is
// dispatched in the background on a context detached from the submitter. Callers poll or wait
// on the returned token. A [Reaper] removes results once they leave the retention window.
package gate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/clock"

	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

const (
	DefaultRetention    = 72 * time.Hour
	DefaultPollInterval = 500 * time.Millisecond

	stripes = 64
)

// Outcome is what a unit of work produces.
type Outcome struct {
	Code        int
	ContentType string
	Filename    string
	Payload     []byte
}

// Work computes an [Outcome]. It runs on a context that outlives the submitting call.
type Work func(ctx context.Context) (Outcome, error)

// Status reports the state of a token. Result is set once Done.
type Status struct {
	Done   bool                `json:"done"`
	Result *models.AsyncResult `json:"result,omitempty"`
}

// StatusError lets work choose the code of its failed result.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("%d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Config configures a [Gate].
type Config struct {
	Store        Store
	Payloads     PayloadStore
	Retention    time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *log.Logger
	Metrics      *metrics.Metrics
}

// Gate is the asynchronous task gate.
type Gate struct {
	store     Store
	payloads  PayloadStore
	retention time.Duration
	poll      time.Duration
	clock     clock.Clock
	logger    *log.Logger
	metrics   *metrics.Metrics
	started   time.Time

	locks [stripes]sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// New creates a Gate. Store and Payloads are required.
func New(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: gate needs a store", shared.ErrInvalidInput)
	}
	if cfg.Payloads == nil {
		return nil, fmt.Errorf("%w: gate needs a payload store", shared.ErrInvalidInput)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		store:     cfg.Store,
		payloads:  cfg.Payloads,
		retention: cfg.Retention,
		poll:      cfg.PollInterval,
		clock:     cfg.Clock,
		logger:    shared.WithLogger(cfg.Logger, "component", "gate"),
		metrics:   cfg.Metrics,
		started:   cfg.Clock.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Retention returns how long successful results are served from cache.
func (g *Gate) Retention() time.Duration { return g.retention }

func (g *Gate) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &g.locks[h.Sum32()%stripes]
}

// Submit returns a token for key, dispatching work only when no fresh result exists and no
// request for key is in progress.
func (g *Gate) Submit(ctx context.Context, key string, work Work) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty request key", shared.ErrInvalidInput)
	}
	if work == nil {
		return "", fmt.Errorf("%w: nil work for %s", shared.ErrInvalidInput, key)
	}

	mu := g.lock(key)
	mu.Lock()
	defer mu.Unlock()

	now := g.clock.Now().UTC()
	cached, err := g.store.FindResult(ctx, key, now.Add(-g.retention))
	if err != nil {
		return "", fmt.Errorf("failed to look up result for %s: %w", key, err)
	}
	if cached != nil && cached.Fresh(now, g.retention) {
		g.metrics.GateSubmitted(metrics.SubmitCached)
		g.logger.Debug("serving cached result", "key", key, "token", cached.Token())
		return cached.Token(), nil
	}

	running, err := g.store.FindInProgress(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to look up request for %s: %w", key, err)
	}
	if running != nil {
		g.metrics.GateSubmitted(metrics.SubmitJoined)
		return running.Token(), nil
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return "", fmt.Errorf("%w: gate is closed", shared.ErrDispatchFailed)
	}

	req := models.NewAsyncRequest(shared.GenerateID(), key, kindOf(key), now)
	existing, created, err := g.store.CreateIfAbsent(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", shared.ErrDispatchFailed, err)
	}
	if !created {
		g.metrics.GateSubmitted(metrics.SubmitJoined)
		return existing.Token(), nil
	}

	g.metrics.GateSubmitted(metrics.SubmitDispatched)
	g.logger.Debug("dispatching", "key", key, "token", req.Token())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(req, work)
	}()
	return req.Token(), nil
}

// run executes work and records its result. Panics become failed results.
func (g *Gate) run(req *models.AsyncRequest, work Work) {
	resultID := shared.GenerateID()

	out, err := func() (out Outcome, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return work(g.ctx)
	}()

	result := models.NewAsyncResult(resultID, req.Token(), req.Key(), g.clock.Now().UTC())
	switch {
	case err != nil:
		code := http.StatusInternalServerError
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code <= 599 {
			code = se.Code
		}
		result.SetCode(code)
		result.SetMessage(fmt.Errorf("%w: %w", shared.ErrDispatchFailed, err).Error())
	default:
		if out.Code == 0 {
			out.Code = http.StatusOK
		}
		result.SetCode(out.Code)
		result.SetContentType(out.ContentType)
		result.SetFilename(out.Filename)
		if len(out.Payload) > 0 {
			ref, perr := g.payloads.Put(g.ctx, resultID, out.Payload)
			if perr != nil {
				result.SetCode(http.StatusInternalServerError)
				result.SetMessage(perr.Error())
			} else {
				result.SetPayloadRef(ref)
			}
		}
	}

	// The result is recorded even when the gate is closing.
	if err := g.store.Complete(context.WithoutCancel(g.ctx), req.Token(), result); err != nil {
		g.logger.Error("failed to record result", "key", req.Key(), "token", req.Token(), "err", err)
		return
	}
	g.metrics.GateCompleted(result.OK())
	g.logger.Debug("completed", "key", req.Key(), "token", req.Token(), "code", result.Code())
}

// Recover fails the requests left in progress by processes that stopped before this gate was
// created. Their pollers see a 503 result and later submissions for their keys dispatch again.
//
// Only the process executing plans calls Recover; requests of a live process would be failed too.
func (g *Gate) Recover(ctx context.Context) (int, error) {
	tokens, err := g.store.AbandonInProgress(ctx, g.started, g.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale requests: %w", err)
	}
	for _, token := range tokens {
		g.metrics.GateCompleted(false)
		g.logger.Warn("abandoned request of a stopped process", "token", token)
	}
	return len(tokens), nil
}

// Poll reports whether the request behind token is done.
func (g *Gate) Poll(ctx context.Context, token string) (Status, error) {
	req, err := g.store.Request(ctx, token)
	if err != nil {
		return Status{}, err
	}
	if req.InProgress() {
		return Status{}, nil
	}
	if req.ResultID() == "" {
		return Status{}, fmt.Errorf("%w: result of %s", shared.ErrNotFound, token)
	}
	result, err := g.store.Result(ctx, req.ResultID())
	if err != nil {
		return Status{}, err
	}
	return Status{Done: true, Result: result}, nil
}

// Wait polls token on clock ticks until it is done or ctx ends.
func (g *Gate) Wait(ctx context.Context, token string) (*models.AsyncResult, error) {
	for {
		st, err := g.Poll(ctx, token)
		if err != nil {
			return nil, err
		}
		if st.Done {
			return st.Result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.clock.After(g.poll):
		}
	}
}

// OpenPayload returns the result with resultID and a reader over its payload.
// Results without a payload yield a nil reader.
func (g *Gate) OpenPayload(ctx context.Context, resultID string) (*models.AsyncResult, io.ReadCloser, error) {
	result, err := g.store.Result(ctx, resultID)
	if err != nil {
		return nil, nil, err
	}
	if result.PayloadRef() == "" {
		return result, nil, nil
	}
	rc, err := g.payloads.Open(ctx, result.PayloadRef())
	if err != nil {
		return nil, nil, err
	}
	return result, rc, nil
}

// Close stops accepting work, cancels running work and waits for it to record its results.
func (g *Gate) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
	return nil
}

// Drain waits for dispatched work to finish without cancelling it.
func (g *Gate) Drain() {
	g.wg.Wait()
}

// kindOf derives the request kind from a urn key such as urn:obj:<id>:<chain>.
func kindOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) == 3 && parts[0] == "urn" {
		return parts[1]
	}
	return ""
}
