package memory

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// queuedCandidate is one fact waiting for persistence.
type queuedCandidate struct {
	owner string
	fact  CandidateFact
}

// Ingestor decouples fact producers from store throughput with a bounded
// buffer. When the buffer fills, the configured OverflowPolicy either
// blocks the producer or drops the oldest queued candidate; the policy is
// explicit configuration, never implicit behavior.
type Ingestor struct {
	manager *Manager
	ch      chan queuedCandidate
	policy  OverflowPolicy

	dropped atomic.Uint64
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewIngestor creates an ingestion queue in front of the manager, sized
// and policed by the manager's config.
func NewIngestor(manager *Manager) *Ingestor {
	return &Ingestor{
		manager: manager,
		ch:      make(chan queuedCandidate, manager.cfg.QueueSize),
		policy:  manager.cfg.QueuePolicy,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker that drains the queue through AddCandidate.
func (in *Ingestor) Start() {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case qc := <-in.ch:
				if _, err := in.manager.AddCandidate(context.Background(), qc.owner, qc.fact); err != nil {
					log.Printf("[MEMORY] Ingest failed for owner=%s: %v", qc.owner, err)
				}
			case <-in.stopCh:
				return
			}
		}
	}()
}

// Stop halts the worker. Queued candidates that were not drained yet are
// left in the buffer; call Drain first for a clean shutdown.
func (in *Ingestor) Stop() {
	in.once.Do(func() { close(in.stopCh) })
	in.wg.Wait()
}

// Enqueue queues a candidate fact. Under BlockProducer a full buffer
// blocks until space frees or ctx is done; under DropOldest the oldest
// queued candidate is discarded to make room.
func (in *Ingestor) Enqueue(ctx context.Context, owner string, fact CandidateFact) error {
	if owner == "" {
		return &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if err := fact.Validate(); err != nil {
		return err
	}
	qc := queuedCandidate{owner: owner, fact: fact}

	if in.policy == BlockProducer {
		select {
		case in.ch <- qc:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case in.ch <- qc:
			return nil
		default:
		}
		select {
		case old := <-in.ch:
			in.dropped.Add(1)
			log.Printf("[MEMORY] Ingest queue full, dropped oldest candidate for owner=%s", old.owner)
		default:
		}
	}
}

// Drain synchronously persists everything currently queued. Useful in
// tests and at shutdown.
func (in *Ingestor) Drain(ctx context.Context) error {
	for {
		select {
		case qc := <-in.ch:
			if _, err := in.manager.AddCandidate(ctx, qc.owner, qc.fact); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Dropped returns how many candidates the DropOldest policy discarded.
func (in *Ingestor) Dropped() uint64 {
	return in.dropped.Load()
}

// Pending returns the number of queued candidates.
func (in *Ingestor) Pending() int {
	return len(in.ch)
}
