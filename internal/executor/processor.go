package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/pmx/internal/gate"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

// RequestRecorder records which gate request serves an item.
type RequestRecorder interface {
	SetItemRequest(ctx context.Context, itemID, requestID string) error
}

// Summary is the JSON payload of a successful migration.
type Summary struct {
	Object string           `json:"object"`
	Result string           `json:"result"`
	Format string           `json:"format"`
	Files  []string         `json:"files"`
	Bytes  int              `json:"bytes"`
	Chain  string           `json:"chain"`
	Report transform.Report `json:"report"`
	Plan   string           `json:"plan,omitempty"`
}

// GateProcessor migrates items through the asynchronous task gate: the object is fetched,
// transformed along the chain and stored as a new object. Identical object and chain pairs
// share one conversion.
type GateProcessor struct {
	gate      *gate.Gate
	objects   transform.ObjectStore
	converter transform.Converter
	recorder  RequestRecorder
	logger    *log.Logger
}

// NewGateProcessor creates a GateProcessor. recorder may be nil.
func NewGateProcessor(g *gate.Gate, objects transform.ObjectStore, conv transform.Converter, recorder RequestRecorder, logger *log.Logger) *GateProcessor {
	return &GateProcessor{
		gate:      g,
		objects:   objects,
		converter: conv,
		recorder:  recorder,
		logger:    shared.WithLogger(logger, "component", "processor"),
	}
}

// RequestKey is the gate key of migrating objectID along chain.
func RequestKey(objectID string, chain models.Chain) string {
	return "urn:obj:" + objectID + ":" + chain.Key()
}

// Process implements [ItemProcessor].
func (p *GateProcessor) Process(ctx context.Context, plan *models.MigrationPlan, item *models.MigrationItem, chain models.Chain) error {
	obj, err := p.objects.Fetch(ctx, item.ObjectID())
	switch {
	case errors.Is(err, transform.ErrObjectNotReady):
		return err
	case err != nil:
		return &ItemError{Kind: models.ErrorFetch, Err: err}
	}

	token, err := p.gate.Submit(ctx, RequestKey(item.ObjectID(), chain), p.work(obj, chain, plan.ID()))
	if err != nil {
		return &ItemError{Kind: models.ErrorInternal, Err: err}
	}
	item.SetRequestID(token)
	if p.recorder != nil {
		if err := p.recorder.SetItemRequest(ctx, item.ID(), token); err != nil {
			p.logger.Warn("failed to record request", "item", item.ID(), "token", token, "err", err)
		}
	}

	result, err := p.gate.Wait(ctx, token)
	if err != nil {
		return err
	}
	if !result.OK() {
		kind := models.ErrorService
		if result.Code() == http.StatusInsufficientStorage {
			kind = models.ErrorStore
		}
		return &ItemError{Kind: kind, Err: fmt.Errorf("%d: %s", result.Code(), result.Message())}
	}

	summary, err := p.summary(ctx, result)
	if err != nil {
		item.AppendLog(fmt.Sprintf("converted by request %s", token))
		p.logger.Warn("unreadable summary", "result", result.ID(), "err", err)
		return nil
	}
	item.AppendLog(fmt.Sprintf("stored %s as %s (%s, %d files)", summary.Object, summary.Result, summary.Format, len(summary.Files)))
	return nil
}

// work is the conversion the gate runs. It owns a copy of obj.
func (p *GateProcessor) work(obj *transform.DigitalObject, chain models.Chain, planID string) gate.Work {
	obj = obj.Clone()
	return func(ctx context.Context) (gate.Outcome, error) {
		origin := obj.ID
		report, err := transform.Apply(ctx, p.converter, obj, chain)
		if err != nil {
			code := http.StatusUnprocessableEntity
			if errors.Is(err, transform.ErrConversion) || shared.IsRetryable(err) {
				code = http.StatusBadGateway
			}
			return gate.Outcome{}, &gate.StatusError{Code: code, Err: err}
		}

		id, err := p.objects.Store(ctx, origin, obj)
		if err != nil {
			return gate.Outcome{}, &gate.StatusError{Code: http.StatusInsufficientStorage, Err: err}
		}

		files := make([]string, len(obj.Files))
		for i, f := range obj.Files {
			files[i] = f.Name
		}
		data, err := json.Marshal(Summary{
			Object: origin,
			Result: id,
			Format: obj.Format,
			Files:  files,
			Bytes:  obj.Size(),
			Chain:  chain.Key(),
			Report: report,
			Plan:   planID,
		})
		if err != nil {
			return gate.Outcome{}, err
		}
		return gate.Outcome{
			Code:        http.StatusOK,
			ContentType: "application/json",
			Filename:    origin + ".summary.json",
			Payload:     data,
		}, nil
	}
}

func (p *GateProcessor) summary(ctx context.Context, result *models.AsyncResult) (*Summary, error) {
	_, rc, err := p.gate.OpenPayload(ctx, result.ID())
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, fmt.Errorf("%w: result %s has no payload", shared.ErrNotFound, result.ID())
	}
	defer rc.Close()

	var s Summary
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &s, nil
}
