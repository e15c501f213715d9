// Package store implements the relational state store for the transform
// orchestrator. It persists transforms, targets, source documents, batches,
// the dispatch outbox, per-transform progress stats, and reconciliation run
// records in an embedded SQLite database with WAL mode. The store is the
// single source of truth: all cross-process mutual exclusion (scan leases,
// reconciliation leases) and all idempotency (conditional batch transitions,
// upsert-increment stats) is enforced here, never in process memory.
package store

import "time"

// TransformKind discriminates the batch scope of a transform.
type TransformKind string

// Transform kinds as stored in the transforms.kind column.
const (
	KindDataset       TransformKind = "dataset"
	KindCollection    TransformKind = "collection"
	KindVisualization TransformKind = "visualization"
)

// Transform is a user-configured pipeline stage mapping a source collection
// to worker-produced targets.
type Transform struct {
	ID                 int64
	Owner              string
	Name               string
	SourceCollectionID int64
	Kind               TransformKind
	BatchSize          int
	Worker             string // worker/embedder selection
	Bucket             string // destination bucket carried in every job payload
	Enabled            bool
	CreatedAt          int64 // Unix nanoseconds
	UpdatedAt          int64 // Unix nanoseconds
}

// Target is the durable output of one transform run against one worker
// configuration. A target whose TransformID and SourceCollectionID are both
// zero is a standalone target (data pushed directly, not transform-produced)
// and is never scanned.
type Target struct {
	ID                 int64
	TransformID        int64
	SourceCollectionID int64
	StoreCollection    string // external vector-store collection/namespace
	WatermarkTS        int64  // cursor: last committed source timestamp (Unix ns)
	WatermarkDocID     int64  // cursor tiebreak: last committed doc id at WatermarkTS
	LeaseAcquiredAt    int64  // 0 when no scan lease is held
	LastProcessedAt    int64
	Owner              string
	CreatedAt          int64
	UpdatedAt          int64
}

// Standalone reports whether the target has the all-zero linkage sentinel.
func (t *Target) Standalone() bool {
	return t.TransformID == 0 && t.SourceCollectionID == 0
}

// Document is one source record the scanner discovers work from.
type Document struct {
	ID           int64
	CollectionID int64
	Owner        string
	ContentHash  string
	CreatedAt    int64
	UpdatedAt    int64 // 0 when never updated; scanning uses coalesce(updated, created)
}

// ChangedAt returns the timestamp the scanner orders by.
func (d *Document) ChangedAt() int64 {
	if d.UpdatedAt != 0 {
		return d.UpdatedAt
	}

	return d.CreatedAt
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

// Batch statuses as stored in the batches.status column.
const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSuccess    BatchStatus = "success"
	BatchFailed     BatchStatus = "failed"
	BatchSkipped    BatchStatus = "skipped"
)

// Terminal reports whether the status is final. Failed batches are terminal
// but re-armable through RetryBatch.
func (s BatchStatus) Terminal() bool {
	return s == BatchSuccess || s == BatchFailed || s == BatchSkipped
}

// Batch is one discrete unit of dispatched work: a bounded, contiguous slice
// of source documents. BatchKey is derived from the batch content, so
// re-discovering the same slice resolves to the same row.
type Batch struct {
	ID          int64
	TransformID int64
	BatchKey    string
	Status      BatchStatus
	Attempt     int // incremented on manual retry, preserved for observability
	DocCount    int
	ChunkCount  int
	Error       string
	DurationMS  int64
	Owner       string
	CreatedAt   int64
	UpdatedAt   int64
}

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

// Outbox statuses as stored in the outbox.status column.
const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
	OutboxExpired   OutboxStatus = "expired"
)

// OutboxEntry is the durable intent to deliver a batch's job payload to the
// broker. It is created in the same transaction as its batch row, so a crash
// between "decided to dispatch" and "published" always leaves recoverable
// state.
type OutboxEntry struct {
	ID           int64
	BatchKind    TransformKind
	TransformID  int64
	TargetID     int64
	CollectionID int64
	BatchKey     string
	Bucket       string
	Payload      []byte // serialized job payload, fully resolved
	Status       OutboxStatus
	RetryCount   int
	MaxRetries   int
	LastError    string
	NextRetryAt  int64 // Unix nanoseconds; 0 means due immediately
	Owner        string
	CreatedAt    int64
	UpdatedAt    int64
}

// Stats holds run-scoped progress counters for one transform. Counters are
// only ever adjusted through atomic upsert-increments (StatsDelta), never
// read-modify-write.
type Stats struct {
	TransformID       int64
	CurrentRunID      string
	RunStartedAt      int64
	DispatchedBatches int64
	DispatchedChunks  int64
	SuccessfulBatches int64
	FailedBatches     int64
	ProcessingBatches int64
	EmbeddedChunks    int64
	ProcessingChunks  int64
	FailedChunks      int64
	PendingChunks     int64
	FirstProcessedAt  int64
	LastProcessedAt   int64
	Owner             string
	UpdatedAt         int64
}

// StatsDelta is a set of relative counter adjustments applied in one upsert.
// Zero fields leave the corresponding counter untouched.
type StatsDelta struct {
	DispatchedBatches int64
	DispatchedChunks  int64
	SuccessfulBatches int64
	FailedBatches     int64
	ProcessingBatches int64
	EmbeddedChunks    int64
	ProcessingChunks  int64
	FailedChunks      int64
	PendingChunks     int64
	MarkProcessed     bool // stamp first/last processed timestamps
}

// ReconStatus is the state of a reconciliation run record.
type ReconStatus string

// Reconciliation run statuses.
const (
	ReconRunning   ReconStatus = "running"
	ReconCompleted ReconStatus = "completed"
	ReconFailed    ReconStatus = "failed"
)

// ReconciliationRun is the audit record of one reconciliation sweep. It is
// created when the sweep opens and finalized exactly once when it ends.
type ReconciliationRun struct {
	ID            int64
	RunUUID       string
	RunType       string // "scheduled" or "manual"
	Scope         string // transform kind, or "all"
	Status        ReconStatus
	OrphanedFound int
	Recovered     int
	CleanedUp     int
	Details       string
	StartedAt     int64
	CompletedAt   int64 // 0 while running
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion
// happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds. Returns 0 for the
// zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
