// Package job defines the wire types exchanged with worker processes over
// the broker: the job payload the orchestrator dispatches and the result
// payload workers report back. Payloads are self-contained — a worker acts
// only on what the message carries and never falls back to its own
// process-wide configuration for tenant-specific values, because that breaks
// multi-tenant and multi-bucket deployments.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Queue names on the broker.
const (
	QueueJobs    = "vellum.jobs"
	QueueResults = "vellum.results"
)

// Validation errors.
var (
	ErrMissingJobID     = errors.New("job: missing job id")
	ErrMissingOwner     = errors.New("job: missing owner")
	ErrMissingBatchKey  = errors.New("job: missing batch key")
	ErrMissingTransform = errors.New("job: missing transform id")
	ErrUnknownStatus    = errors.New("job: unknown result status")
)

// Payload is dispatched orchestrator → worker. Config is the fully-resolved
// extraction/chunking/embedding parameter blob, opaque to the orchestrator.
type Payload struct {
	JobID       string          `json:"job_id"`
	TransformID int64           `json:"transform_id"`
	TargetID    int64           `json:"target_id"`
	Kind        string          `json:"kind"`
	Owner       string          `json:"owner"`
	BatchKey    string          `json:"batch_key"`
	Bucket      string          `json:"bucket"`
	DocIDs      []int64         `json:"doc_ids"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Validate checks that the payload carries everything a worker needs.
func (p *Payload) Validate() error {
	switch {
	case p.JobID == "":
		return ErrMissingJobID
	case p.TransformID == 0:
		return ErrMissingTransform
	case p.Owner == "":
		return ErrMissingOwner
	case p.BatchKey == "":
		return ErrMissingBatchKey
	}

	return nil
}

// Encode serializes the payload for the broker.
func (p *Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("job: encode payload %s: %w", p.JobID, err)
	}

	return b, nil
}

// DecodePayload parses a job payload from broker bytes.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("job: decode payload: %w", err)
	}

	return p, nil
}

// ResultStatus is the outcome a worker reports.
type ResultStatus string

// Result statuses. Progress is non-terminal: it only updates observability
// counters and never touches the batch's terminal status.
const (
	StatusSuccess  ResultStatus = "success"
	StatusFailed   ResultStatus = "failed"
	StatusSkipped  ResultStatus = "skipped"
	StatusProgress ResultStatus = "progress"
)

// Terminal reports whether the status closes out the batch.
func (s ResultStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Result is reported worker → orchestrator.
type Result struct {
	JobID       string       `json:"job_id"`
	TransformID int64        `json:"transform_id"`
	TargetID    int64        `json:"target_id"`
	Owner       string       `json:"owner"`
	BatchKey    string       `json:"batch_key"`
	Status      ResultStatus `json:"status"`
	DocCount    int          `json:"doc_count"`
	ChunkCount  int          `json:"chunk_count"`
	Error       string       `json:"error,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
}

// Validate checks the identifiers the listener needs for authorization and
// lifecycle lookup.
func (r *Result) Validate() error {
	switch {
	case r.JobID == "":
		return ErrMissingJobID
	case r.TransformID == 0:
		return ErrMissingTransform
	case r.Owner == "":
		return ErrMissingOwner
	case r.BatchKey == "":
		return ErrMissingBatchKey
	}

	switch r.Status {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusProgress:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
}

// Encode serializes the result for the broker.
func (r *Result) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("job: encode result %s: %w", r.JobID, err)
	}

	return b, nil
}

// DecodeResult parses a result payload from broker bytes.
func DecodeResult(data []byte) (*Result, error) {
	r := &Result{}

	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("job: decode result: %w", err)
	}

	return r, nil
}
