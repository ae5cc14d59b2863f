package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements an in-memory snapshot store. It is safe for
// concurrent use by multiple goroutines.
//
// MemoryStore keeps the latest snapshot per (job, horizon, quantile) key in
// a map. If TTL is configured, a background goroutine removes stale
// snapshots. For multi-instance deployments use RedisStore instead.
type MemoryStore struct {
	mu            sync.RWMutex
	snapshots     map[string]Snapshot
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates an in-memory snapshot store with no TTL.
// Snapshots are kept until replaced or explicitly deleted.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// NewMemoryStoreWithTTL creates an in-memory snapshot store with automatic
// TTL-based cleanup. A background goroutine removes snapshots whose
// GeneratedAt is older than ttl.
//
// The cleanup goroutine must be stopped by calling Stop() when the store
// is no longer needed to prevent goroutine leaks.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		snapshots:     make(map[string]Snapshot),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop gracefully shuts down the background cleanup goroutine. It blocks
// until cleanup is complete.
//
// Calling Stop multiple times or on a store without TTL is safe and does nothing.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return // No cleanup goroutine running
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return // Already stopped
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes snapshots older than the TTL.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for key, snapshot := range s.snapshots {
		if now.Sub(snapshot.GeneratedAt) > s.ttl {
			delete(s.snapshots, key)
		}
	}
}

// Put stores a snapshot under its (job, horizon, quantile) key, replacing
// any existing snapshot for the same key.
//
// This operation is safe for concurrent use.
func (s *MemoryStore) Put(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.key()] = snapshot
	return nil
}

// GetLatest retrieves the most recent snapshot for a (job, horizon,
// quantile) key. found is false when no snapshot exists for the key or
// when the stored snapshot has outlived the TTL, even if the cleanup
// goroutine has not removed it yet.
//
// This operation is safe for concurrent use.
func (s *MemoryStore) GetLatest(ctx context.Context, jobID int, horizonHours, quantile float64) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, found := s.snapshots[Key(jobID, horizonHours, quantile)]
	if found && s.ttl > 0 && time.Since(snapshot.GeneratedAt) > s.ttl {
		return Snapshot{}, false, nil
	}
	return snapshot, found, nil
}

// Len returns the number of snapshots currently stored.
//
// This operation is safe for concurrent use.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes the snapshot for a (job, horizon, quantile) key.
// Returns true if a snapshot was deleted, false if none existed.
//
// This operation is safe for concurrent use.
func (s *MemoryStore) Delete(jobID int, horizonHours, quantile float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(jobID, horizonHours, quantile)
	_, existed := s.snapshots[key]
	delete(s.snapshots, key)
	return existed
}
