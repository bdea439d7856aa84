package core

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Doer executes HTTP requests.
// Satisfied by *http.Client and *fetch.RetryClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Row is one raw record read from a source.
// Column order is preserved as the source presented it.
type Row struct {
	keys   []string
	values map[string]any
}

// NewRow creates an empty row with room for n columns.
func NewRow(n int) *Row {
	return &Row{
		keys:   make([]string, 0, n),
		values: make(map[string]any, n),
	}
}

// RowFromMap builds a row from a decoded JSON object.
// Keys are sorted since map order is not stable.
func RowFromMap(m map[string]any) *Row {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	row := NewRow(len(keys))
	for _, k := range keys {
		row.Set(k, m[k])
	}
	return row
}

// Set stores a column value. A repeated key keeps its first position.
func (r *Row) Set(key string, value any) {
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns a column value and whether the column exists.
func (r *Row) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns column names in source order.
func (r *Row) Keys() []string {
	return r.keys
}

// Len returns the number of columns.
func (r *Row) Len() int {
	return len(r.keys)
}

// Cursor iterates over the rows of an opened source.
// Usage mirrors pgx.Rows: call Next until it returns false, then check Err.
type Cursor interface {
	Next() bool
	Row() *Row
	Err() error
	// Total is the best known row count, 0 when unknown.
	Total() int
	Close() error
}

// Source produces rows from one origin (file, document, API).
type Source interface {
	// Open prepares the source. Missing or unreadable origins fail here,
	// before any row is produced.
	Open(ctx context.Context) (Cursor, error)
	// Describe returns the label used in progress lines.
	Describe() string
}

// Entity is a persisted domain object owned by an import.
type Entity struct {
	ID        int64
	Model     string
	EID       string // External id, empty when the parser declares none
	Provider  string
	Structure string // Organizational scope, empty for shared entities
	Deleted   bool
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Get returns a field value or nil.
func (e *Entity) Get(field string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[field]
}

// Set stores val under field and reports whether the stored value changed.
func (e *Entity) Set(field string, val any) bool {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return setField(e, field, val)
}

// Clone returns a copy whose field map can be modified independently.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Attachment is a file owned by one entity.
type Attachment struct {
	ID         int64
	EntityID   int64
	Model      string
	SourceURL  string
	FileKey    string // Blob storage key
	FileTypeID int64
	MimeType   string
	Size       int64 // Content length, used to detect unchanged files
	Width      int
	Height     int
	IsImage    bool
	Legend     string
	Author     string
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeletePolicy selects how stale entities are removed.
type DeletePolicy int

const (
	DeleteSoft DeletePolicy = iota // Set the deleted flag
	DeleteHard                     // Remove the row
)

// DeleteScope selects the entities a reconciliation pass may remove.
type DeleteScope struct {
	Model    string
	Provider string
	Keep     []int64 // Entities seen during the run
	Hard     bool
}

// Store opens transactions against the target persistence layer.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one transactional unit of work.
// Find methods return ErrNotFound when nothing matches.
type Tx interface {
	FindByEID(ctx context.Context, model, eid, provider string) (*Entity, error)
	// FindByField matches entities of model whose field equals value and
	// whose structure equals structure ("" for shared entities).
	FindByField(ctx context.Context, model, field, value, structure string) (*Entity, error)
	Create(ctx context.Context, e *Entity) error
	Update(ctx context.Context, e *Entity) error
	DeleteStale(ctx context.Context, scope DeleteScope) (int64, error)
	// StaleAttachments lists the attachments of the entities DeleteStale
	// would remove for scope, ignoring scope.Hard.
	StaleAttachments(ctx context.Context, scope DeleteScope) ([]*Attachment, error)

	Attachments(ctx context.Context, entityID int64) ([]*Attachment, error)
	SaveAttachment(ctx context.Context, a *Attachment) error
	DeleteAttachment(ctx context.Context, id int64) error
	FileType(ctx context.Context, name string) (int64, error)

	// Savepoint starts a nested unit whose rollback leaves the parent intact.
	Savepoint(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BlobStore keeps attachment content.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// State is the lifecycle stage of an import run.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateMapping    State = "mapping"
	StatePersisting State = "persisting"
	StateDeleting   State = "deleting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// OutcomeKind classifies the result of one row.
type OutcomeKind int

const (
	Created OutcomeKind = iota
	Updated
	Unchanged
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON reports.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of importing one row.
type Outcome struct {
	Line     int         `json:"line"`
	Kind     OutcomeKind `json:"kind"`
	EID      string      `json:"eid,omitempty"`
	EntityID int64       `json:"entity_id,omitempty"`
	Reason   string      `json:"reason,omitempty"` // Failure or skip reason
	Warnings []string    `json:"warnings,omitempty"`
}

// Progress represents the current position of an import run.
type Progress struct {
	RunID  string
	Model  string
	Source string
	State  State
	Line   int // Rows processed so far
	Total  int
}

// Percent returns the progress as a percentage (0-100).
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := (p.Line * 100) / p.Total
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressCallback is called before each row and once at the end of the rows.
type ProgressCallback func(Progress)
