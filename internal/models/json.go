package models

import (
	"encoding/json"
	"time"
)

type planJSON struct {
	ID            string           `json:"id"`
	Sequence      int              `json:"sequence"`
	Name          string           `json:"name"`
	Owner         string           `json:"owner,omitempty"`
	Status        PlanStatus       `json:"status"`
	SourceFormat  string           `json:"source_format,omitempty"`
	TargetFormats []string         `json:"target_formats,omitempty"`
	AwaitedObject string           `json:"awaited_object,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	Counts        *ItemCounts      `json:"counts,omitempty"`
	Paths         []*MigrationPath `json:"paths,omitempty"`
	Items         []*MigrationItem `json:"items,omitempty"`
}

// MarshalJSON encodes the plan with its loaded paths and items. The runner token and the raw
// descriptor are not exposed.
func (p *MigrationPlan) MarshalJSON() ([]byte, error) {
	out := planJSON{
		ID:            p.id,
		Sequence:      p.sequence,
		Name:          p.name,
		Owner:         p.owner,
		Status:        p.status,
		SourceFormat:  p.sourceFormat,
		TargetFormats: p.targetFormats,
		AwaitedObject: p.awaitedObject,
		CreatedAt:     p.createdAt,
		UpdatedAt:     p.updatedAt,
		StartedAt:     p.startedAt,
		FinishedAt:    p.finishedAt,
		Paths:         p.paths,
		Items:         p.items,
	}
	if len(p.items) > 0 {
		c := p.Counts()
		out.Counts = &c
	}
	return json.Marshal(out)
}

func (p *MigrationPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string `json:"id"`
		Position     int    `json:"position"`
		SourceFormat string `json:"source_format"`
		Active       bool   `json:"active"`
		Chain        Chain  `json:"chain"`
		Description  string `json:"description"`
	}{p.id, p.position, p.sourceFormat, p.active, p.chain, p.chain.String()})
}

func (i *MigrationItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string     `json:"id"`
		Position     int        `json:"position"`
		ObjectID     string     `json:"object_id"`
		SourceFormat string     `json:"source_format"`
		PathID       string     `json:"path_id,omitempty"`
		Status       ItemStatus `json:"status"`
		ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
		RequestID    string     `json:"request_id,omitempty"`
		Log          string     `json:"log,omitempty"`
		StartedAt    *time.Time `json:"started_at,omitempty"`
		EndedAt      *time.Time `json:"ended_at,omitempty"`
	}{i.id, i.position, i.objectID, i.sourceFormat, i.pathID, i.status, i.errorKind, i.requestID, i.log, i.startedAt, i.endedAt})
}

func (r *AsyncResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          string    `json:"id"`
		Token       string    `json:"token"`
		Key         string    `json:"key"`
		Code        int       `json:"code"`
		ContentType string    `json:"content_type,omitempty"`
		Filename    string    `json:"filename,omitempty"`
		Message     string    `json:"message,omitempty"`
		HasPayload  bool      `json:"has_payload"`
		ComputedOn  time.Time `json:"computed_on"`
	}{r.id, r.token, r.key, r.code, r.contentType, r.filename, r.message, r.payloadRef != "", r.computedOn})
}
