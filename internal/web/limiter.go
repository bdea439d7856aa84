package web

// limiter.go bounds the number of imports running in the background.
//
// Imports hold a store transaction per row and may download many
// attachments, so the server refuses new launches once every slot is taken
// instead of queueing them. Shutdown waits for running imports through
// WaitForDrain.

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrTooManyImports is returned when every import slot is taken.
var ErrTooManyImports = errors.New("too many imports running, please try again later")

// DefaultMaxConcurrentImports is used when the configured limit is not positive.
const DefaultMaxConcurrentImports = 2

// ImportLimiter is a semaphore over running imports.
type ImportLimiter struct {
	slots chan struct{}

	mu     sync.Mutex
	active map[string]time.Time // task id -> start
}

// NewImportLimiter allows at most maxConcurrent imports at once.
func NewImportLimiter(maxConcurrent int) *ImportLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports
	}
	return &ImportLimiter{
		slots:  make(chan struct{}, maxConcurrent),
		active: make(map[string]time.Time),
	}
}

// TryAcquire takes a slot for taskID without blocking.
// The caller must call Release(taskID) once the import ends.
func (l *ImportLimiter) TryAcquire(taskID string) error {
	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.active[taskID] = time.Now()
		l.mu.Unlock()
		return nil
	default:
		return ErrTooManyImports
	}
}

// Release frees the slot held by taskID.
func (l *ImportLimiter) Release(taskID string) {
	l.mu.Lock()
	if _, ok := l.active[taskID]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.active, taskID)
	l.mu.Unlock()
	<-l.slots
}

// ActiveCount returns the number of running imports.
func (l *ImportLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// WaitForDrain blocks until no import runs or ctx is done.
func (l *ImportLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter.
type LimiterStatus struct {
	Active        int      `json:"active"`
	Available     int      `json:"available"`
	MaxConcurrent int      `json:"max_concurrent"`
	Tasks         []string `json:"tasks"`
}

// Status returns the current limiter state.
func (l *ImportLimiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	tasks := make([]string, 0, len(l.active))
	for id := range l.active {
		tasks = append(tasks, id)
	}
	slices.Sort(tasks)
	return LimiterStatus{
		Active:        len(l.active),
		Available:     cap(l.slots) - len(l.active),
		MaxConcurrent: cap(l.slots),
		Tasks:         tasks,
	}
}
