// Package memory provides an in-process core.Store.
//
// Transactions are serialized: Begin blocks until the previous transaction
// commits or rolls back. Writes apply immediately and are recorded in an
// undo log, so Rollback (of a transaction or a savepoint) replays the log
// backwards. Values handed out are copies; callers never alias stored state.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Store is an in-memory store, used by tests and dry runs.
type Store struct {
	txMu sync.Mutex // held for the lifetime of a transaction

	mu          sync.RWMutex
	entities    map[int64]*core.Entity
	attachments map[int64]*core.Attachment
	fileTypes   map[string]int64
	nextID      int64

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entities:    make(map[int64]*core.Entity),
		attachments: make(map[int64]*core.Attachment),
		fileTypes:   make(map[string]int64),
		now:         time.Now,
	}
}

// AddFileType registers an attachment file type and returns its id.
func (s *Store) AddFileType(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.fileTypes[name]; ok {
		return id
	}
	s.nextID++
	s.fileTypes[name] = s.nextID
	return s.nextID
}

// Seed inserts an entity outside any transaction and returns its id.
func (s *Store) Seed(e *core.Entity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.Clone()
	s.nextID++
	c.ID = s.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
	}
	s.entities[c.ID] = c
	e.ID = c.ID
	return c.ID
}

// List returns copies of the entities of model, deleted ones included,
// ordered by id.
func (s *Store) List(model string) []*core.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Entity
	for _, e := range s.entities {
		if e.Model == model {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the entity with id.
func (s *Store) Get(id int64) (*core.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// AllAttachments returns copies of every attachment ordered by id.
func (s *Store) AllAttachments() []*core.Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Begin implements core.Store.
func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &tx{store: s, log: &undoLog{}}, nil
}

var errTxDone = errors.New("transaction already closed")

type undoLog struct {
	ops []func()
}

func (l *undoLog) record(op func()) {
	l.ops = append(l.ops, op)
}

// rewind undoes every operation recorded after mark.
func (l *undoLog) rewind(mark int) {
	for i := len(l.ops) - 1; i >= mark; i-- {
		l.ops[i]()
	}
	l.ops = l.ops[:mark]
}

type tx struct {
	store  *Store
	log    *undoLog
	parent *tx
	mark   int
	done   bool
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	if t.parent != nil {
		return t.parent.check()
	}
	return nil
}

func (t *tx) FindByEID(_ context.Context, model, eid, provider string) (*core.Entity, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *core.Entity
	for _, e := range s.entities {
		if e.Model != model || e.EID != eid || e.Provider != provider {
			continue
		}
		if found == nil || e.ID < found.ID {
			found = e
		}
	}
	if found == nil {
		return nil, core.ErrNotFound
	}
	return found.Clone(), nil
}

func (t *tx) FindByField(_ context.Context, model, field, value, structure string) (*core.Entity, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *core.Entity
	for _, e := range s.entities {
		if e.Model != model || e.Deleted || e.Structure != structure {
			continue
		}
		if core.Stringify(e.Fields[field]) != value {
			continue
		}
		if found == nil || e.ID < found.ID {
			found = e
		}
	}
	if found == nil {
		return nil, core.ErrNotFound
	}
	return found.Clone(), nil
}

func (t *tx) Create(_ context.Context, e *core.Entity) error {
	if err := t.check(); err != nil {
		return err
	}
	if e.ID != 0 {
		return fmt.Errorf("create: entity already has id %d", e.ID)
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = s.now()
	e.UpdatedAt = e.CreatedAt
	s.entities[e.ID] = e.Clone()

	id := e.ID
	t.log.record(func() { delete(s.entities, id) })
	return nil
}

func (t *tx) Update(_ context.Context, e *core.Entity) error {
	if err := t.check(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entities[e.ID]
	if !ok {
		return fmt.Errorf("update %s #%d: %w", e.Model, e.ID, core.ErrNotFound)
	}
	e.UpdatedAt = s.now()
	s.entities[e.ID] = e.Clone()
	t.log.record(func() { s.entities[prev.ID] = prev })
	return nil
}

func (t *tx) DeleteStale(_ context.Context, scope core.DeleteScope) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[int64]bool, len(scope.Keep))
	for _, id := range scope.Keep {
		keep[id] = true
	}

	var n int64
	for id, e := range s.entities {
		if e.Model != scope.Model || e.Provider != scope.Provider || e.EID == "" || keep[id] {
			continue
		}
		if scope.Hard {
			delete(s.entities, id)
			prev := e
			t.log.record(func() { s.entities[prev.ID] = prev })
			for aid, a := range s.attachments {
				if a.EntityID == id {
					delete(s.attachments, aid)
					att := a
					t.log.record(func() { s.attachments[att.ID] = att })
				}
			}
			n++
			continue
		}
		if e.Deleted {
			continue
		}
		prev := e
		c := e.Clone()
		c.Deleted = true
		c.UpdatedAt = s.now()
		s.entities[id] = c
		t.log.record(func() { s.entities[prev.ID] = prev })
		n++
	}
	return n, nil
}

func (t *tx) StaleAttachments(_ context.Context, scope core.DeleteScope) ([]*core.Attachment, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	keep := make(map[int64]bool, len(scope.Keep))
	for _, id := range scope.Keep {
		keep[id] = true
	}
	var out []*core.Attachment
	for _, a := range s.attachments {
		e, ok := s.entities[a.EntityID]
		if !ok || e.Model != scope.Model || e.Provider != scope.Provider || e.EID == "" || keep[e.ID] {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Attachments(_ context.Context, entityID int64) ([]*core.Attachment, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Attachment
	for _, a := range s.attachments {
		if a.EntityID == entityID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) SaveAttachment(_ context.Context, a *core.Attachment) error {
	if err := t.check(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if a.ID == 0 {
		s.nextID++
		a.ID = s.nextID
		a.CreatedAt = now
		a.UpdatedAt = now
		c := *a
		s.attachments[a.ID] = &c
		id := a.ID
		t.log.record(func() { delete(s.attachments, id) })
		return nil
	}

	prev, ok := s.attachments[a.ID]
	if !ok {
		return fmt.Errorf("save attachment #%d: %w", a.ID, core.ErrNotFound)
	}
	a.UpdatedAt = now
	c := *a
	s.attachments[a.ID] = &c
	t.log.record(func() { s.attachments[prev.ID] = prev })
	return nil
}

func (t *tx) DeleteAttachment(_ context.Context, id int64) error {
	if err := t.check(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.attachments[id]
	if !ok {
		return fmt.Errorf("delete attachment #%d: %w", id, core.ErrNotFound)
	}
	delete(s.attachments, id)
	t.log.record(func() { s.attachments[prev.ID] = prev })
	return nil
}

func (t *tx) FileType(_ context.Context, name string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.fileTypes[name]
	if !ok {
		return 0, core.ErrNotFound
	}
	return id, nil
}

func (t *tx) Savepoint(_ context.Context) (core.Tx, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return &tx{store: t.store, log: t.log, parent: t, mark: len(t.log.ops)}, nil
}

// Commit ends the transaction. Committing a savepoint keeps its changes
// in the parent.
func (t *tx) Commit(_ context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if t.parent == nil {
		t.log.ops = nil
		t.store.txMu.Unlock()
	}
	return nil
}

// Rollback undoes the changes of the transaction or savepoint. Calling it
// after Commit is a no-op.
func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	if t.parent != nil && t.parent.check() != nil {
		t.done = true
		return nil
	}
	t.store.mu.Lock()
	t.log.rewind(t.mark)
	t.store.mu.Unlock()
	t.done = true
	if t.parent == nil {
		t.store.txMu.Unlock()
	}
	return nil
}
