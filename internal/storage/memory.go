package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

var (
	_ ingestion.RunStore    = (*InMemoryRunStore)(nil)
	_ ingestion.ModelLocker = (*InMemoryLocker)(nil)
)

// InMemoryRunStore is a thread-safe run ledger for tests and single-process runs.
type InMemoryRunStore struct {
	runs  map[string]*ingestion.Run
	mutex sync.RWMutex
}

// NewInMemoryRunStore creates an empty ledger.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*ingestion.Run)}
}

// CreateRun implements ingestion.RunStore.
func (s *InMemoryRunStore) CreateRun(_ context.Context, run *ingestion.Run) error {
	if run == nil {
		return ErrNilRun
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRunAlreadyExists, run.ID)
	}

	runCopy := *run
	s.runs[run.ID] = &runCopy

	return nil
}

// CompleteRun implements ingestion.RunStore.
func (s *InMemoryRunStore) CompleteRun(
	_ context.Context, runID string, status ingestion.RunStatus, result *ingestion.Result, errMsg string,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, runID)
	}

	if err := ingestion.ValidateRunTransition(run.Status, status); err != nil {
		return err
	}

	completed := time.Now().UTC()
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.CompletedAt = &completed

	return nil
}

// GetRun implements ingestion.RunStore.
func (s *InMemoryRunStore) GetRun(_ context.Context, runID string) (*ingestion.Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, runID)
	}

	runCopy := *run

	return &runCopy, nil
}

// HealthCheck implements ingestion.RunStore.
func (s *InMemoryRunStore) HealthCheck(context.Context) error {
	return nil
}

// InMemoryLocker serializes requests per model within one process.
type InMemoryLocker struct {
	mutex sync.Mutex
	locks map[string]chan struct{}
}

// NewInMemoryLocker creates a locker with no models held.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{locks: make(map[string]chan struct{})}
}

// Lock implements ingestion.ModelLocker.
func (l *InMemoryLocker) Lock(ctx context.Context, clientID, modelID string) (func(context.Context) error, error) {
	sem := l.semaphore(clientID + "\x00" + modelID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once

	return func(context.Context) error {
		once.Do(func() { <-sem })

		return nil
	}, nil
}

func (l *InMemoryLocker) semaphore(key string) chan struct{} {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	sem, ok := l.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[key] = sem
	}

	return sem
}
