package orchestrator

import (
	"context"
	"sync"

	"github.com/zjrosen/overseer/internal/workflow"
)

// sequencer hands out contiguous per-workflow event sequences. Counters are
// seeded lazily from the event log so sequences continue across restarts
// without gaps or duplicates.
//
// Each workflow gets its own lock: seeding one counter hits the database,
// and that must not stall allocations for unrelated workflows. The outer
// mutex guards only the map itself.
type sequencer struct {
	events workflow.EventRepository

	mu       sync.Mutex
	counters map[workflow.ID]*seqCounter
}

type seqCounter struct {
	mu     sync.Mutex
	seeded bool
	next   int64
}

func newSequencer(events workflow.EventRepository) *sequencer {
	return &sequencer{
		events:   events,
		counters: make(map[workflow.ID]*seqCounter),
	}
}

// Next allocates the next sequence for a workflow.
func (s *sequencer) Next(ctx context.Context, id workflow.ID) (int64, error) {
	s.mu.Lock()
	c, ok := s.counters[id]
	if !ok {
		c = &seqCounter{}
		s.counters[id] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded {
		max, err := s.events.MaxEventSequence(ctx, id)
		if err != nil {
			return 0, err
		}
		c.next = max + 1
		c.seeded = true
	}
	n := c.next
	c.next++
	return n, nil
}

// Forget drops the counter for a terminal workflow.
func (s *sequencer) Forget(id workflow.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, id)
}
