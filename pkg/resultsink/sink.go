// Package resultsink appends cycle results to durable storage and
// fans them out to live subscribers (the API/WebSocket layer). A slow
// or absent subscriber never back-pressures the engine: broadcast
// sends are non-blocking, and a full subscriber channel drops its
// oldest queued event — listeners are fire-and-forget.
package resultsink

import (
	"sync"

	"github.com/fenwick-vision/inspectord/pkg/store"
)

const subscriberBuffer = 16

// Sink is the appliance's result sink: one per appliance, shared
// across all programs.
type Sink struct {
	store *store.Store

	mu          sync.RWMutex
	subscribers map[int]map[int]chan store.CycleResult // programID -> subscriberID -> channel
	nextSubID   int
}

// New constructs a Sink backed by st.
func New(st *store.Store) *Sink {
	return &Sink{
		store:       st,
		subscribers: make(map[int]map[int]chan store.CycleResult),
	}
}

// Append persists a cycle result and broadcasts it to subscribers of
// its program. Persistence happens first, per §5's ordering guarantee
// that a subscriber observing a result is guaranteed it is durable.
func (s *Sink) Append(r store.CycleResult) error {
	if err := s.store.AppendResult(r); err != nil {
		return err
	}
	s.broadcast(r)
	return nil
}

// Recent returns the n most recent results for program_id, newest
// first.
func (s *Sink) Recent(programID, n int) ([]store.CycleResult, error) {
	return s.store.Recent(programID, n)
}

// Subscribe registers a listener for program_id's cycle results. The
// returned cancel function must be called to release the channel.
func (s *Sink) Subscribe(programID int) (<-chan store.CycleResult, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers[programID] == nil {
		s.subscribers[programID] = make(map[int]chan store.CycleResult)
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan store.CycleResult, subscriberBuffer)
	s.subscribers[programID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subscribers[programID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
		}
	}
	return ch, cancel
}

func (s *Sink) broadcast(r store.CycleResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers[r.ProgramID] {
		select {
		case ch <- r:
		default:
			// Subscriber is behind; drop the oldest queued event to
			// make room rather than block the engine.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- r:
			default:
			}
		}
	}
}
