package engine

import (
	"log/slog"
	"sync"
)

// journal applies persistence writes in the background, in the order they
// were enqueued. Tables enqueue while still holding the key's shard lock,
// so writes to the same key reach the persister in mutation order.
type journal struct {
	persister Persister
	logger    *slog.Logger
	ops       chan journalOp
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	// mu is held for reading across Add and send so close cannot start
	// draining while a write is half enqueued.
	mu     sync.RWMutex
	closed bool
}

type journalOp struct {
	name  string
	owner string
	apply func(Persister) error
}

func newJournal(p Persister, logger *slog.Logger) *journal {
	j := &journal{
		persister: p,
		logger:    logger,
		ops:       make(chan journalOp, 1024),
		done:      make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) run() {
	defer close(j.done)
	for op := range j.ops {
		if err := op.apply(j.persister); err != nil {
			j.logger.Warn("persist failed", "op", op.name, "owner", op.owner, "error", err)
		}
		j.wg.Done()
	}
}

// enqueue schedules a write. A nil journal discards it, and so does a
// closed one: the in-memory change stands but is not persisted.
func (j *journal) enqueue(name, owner string, apply func(Persister) error) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("write after close dropped", "op", name, "owner", owner)
		return
	}
	j.wg.Add(1)
	j.ops <- journalOp{name: name, owner: owner, apply: apply}
}

// wait blocks until every enqueued write has been applied.
func (j *journal) wait() {
	if j == nil {
		return
	}
	j.wg.Wait()
}

// close drains pending writes and stops the worker.
func (j *journal) close() {
	if j == nil {
		return
	}
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()

		j.wg.Wait()
		close(j.ops)
		<-j.done
	})
}
