package models

import (
	"fmt"
	"net/http"
	"time"

	"github.com/desertthunder/pmx/internal/shared"
)

// AsyncRequest is a gate submission identified by its token and deduplicated by its key.
type AsyncRequest struct {
	token      string
	key        string
	kind       string
	createdAt  time.Time
	inProgress bool
	resultID   string
}

// NewAsyncRequest creates an in-progress request for key.
func NewAsyncRequest(token, key, kind string, at time.Time) *AsyncRequest {
	return &AsyncRequest{token: token, key: key, kind: kind, createdAt: at, inProgress: true}
}

func (r *AsyncRequest) ID() string           { return r.token }
func (r *AsyncRequest) Token() string        { return r.token }
func (r *AsyncRequest) Key() string          { return r.key }
func (r *AsyncRequest) Kind() string         { return r.kind }
func (r *AsyncRequest) CreatedAt() time.Time { return r.createdAt }
func (r *AsyncRequest) UpdatedAt() time.Time { return r.createdAt }
func (r *AsyncRequest) InProgress() bool     { return r.inProgress }
func (r *AsyncRequest) ResultID() string     { return r.resultID }

// Complete marks the request done with result id.
func (r *AsyncRequest) Complete(resultID string) {
	r.inProgress = false
	r.resultID = resultID
}

// Clone returns a copy of the request.
func (r *AsyncRequest) Clone() *AsyncRequest {
	c := *r
	return &c
}

// Validate checks if the request's data is valid.
func (r *AsyncRequest) Validate() error {
	if r.token == "" || r.key == "" {
		return fmt.Errorf("%w: async request needs a token and a key", shared.ErrInvalidInput)
	}
	return nil
}

// AsyncResult is the outcome of an [AsyncRequest].
//
// Code defaults to 500; a 2xx code marks a successful, cacheable result.
type AsyncResult struct {
	id          string
	token       string
	key         string
	code        int
	contentType string
	filename    string
	payloadRef  string
	message     string
	computedOn  time.Time
}

// NewAsyncResult creates a failed result for the request identified by token and key.
func NewAsyncResult(id, token, key string, at time.Time) *AsyncResult {
	return &AsyncResult{id: id, token: token, key: key, code: http.StatusInternalServerError, computedOn: at}
}

func (r *AsyncResult) ID() string            { return r.id }
func (r *AsyncResult) Token() string         { return r.token }
func (r *AsyncResult) Key() string           { return r.key }
func (r *AsyncResult) Code() int             { return r.code }
func (r *AsyncResult) ContentType() string   { return r.contentType }
func (r *AsyncResult) Filename() string      { return r.filename }
func (r *AsyncResult) PayloadRef() string    { return r.payloadRef }
func (r *AsyncResult) Message() string       { return r.message }
func (r *AsyncResult) ComputedOn() time.Time { return r.computedOn }
func (r *AsyncResult) CreatedAt() time.Time  { return r.computedOn }
func (r *AsyncResult) UpdatedAt() time.Time  { return r.computedOn }

func (r *AsyncResult) SetCode(code int)         { r.code = code }
func (r *AsyncResult) SetContentType(ct string) { r.contentType = ct }
func (r *AsyncResult) SetFilename(name string)  { r.filename = name }
func (r *AsyncResult) SetPayloadRef(ref string) { r.payloadRef = ref }
func (r *AsyncResult) SetMessage(msg string)    { r.message = msg }

// AbandonedResult is the failed result recorded for req when the process running it stopped
// before the work completed.
func AbandonedResult(id string, req *AsyncRequest, at time.Time) *AsyncResult {
	r := NewAsyncResult(id, req.Token(), req.Key(), at)
	r.code = http.StatusServiceUnavailable
	r.message = fmt.Errorf("%w: abandoned, the process running it stopped", shared.ErrDispatchFailed).Error()
	return r
}

// OK reports whether the result carries a successful code.
func (r *AsyncResult) OK() bool {
	return r.code >= 200 && r.code < 300
}

// Fresh reports whether the result is still inside the retention window at now.
func (r *AsyncResult) Fresh(now time.Time, retention time.Duration) bool {
	return now.Sub(r.computedOn) < retention
}

// Validate checks if the result's data is valid.
func (r *AsyncResult) Validate() error {
	if r.id == "" || r.token == "" {
		return fmt.Errorf("%w: async result needs an id and a token", shared.ErrInvalidInput)
	}
	if r.code < 100 || r.code > 599 {
		return fmt.Errorf("%w: async result code %d", shared.ErrInvalidInput, r.code)
	}
	return nil
}
