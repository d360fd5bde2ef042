// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

package audit

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Sink accepts audit events. Log must never block the caller on
// back-pressure and never fails upward: implementations buffer or drop.
// Components hold a Sink, not a concrete implementation.
type Sink interface {
	Log(Event)
}

// Nop discards every event. Useful as a default so callers never need
// nil-checks around optional sinks.
type Nop struct{}

func (Nop) Log(Event) {}

// MemorySink retains events in order. It exists for tests and for the
// in-process ring the status API serves recent events from.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	max    int
}

// NewMemorySink creates a sink retaining at most max events (0 = unbounded).
// When full it evicts from the front, keeping the newest.
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (s *MemorySink) Log(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.max > 0 && len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
}

// Events returns a copy of everything logged so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the logged events of one type, oldest first.
func (s *MemorySink) ByType(typ Type) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of retained events.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// MultiSink fans each event out to every child in order.
type MultiSink []Sink

func (m MultiSink) Log(ev Event) {
	for _, s := range m {
		s.Log(ev)
	}
}

// FeedSink broadcasts events on an event feed so in-process consumers (the
// status API, tests) can subscribe without touching the durable trail.
// Subscribers should use buffered channels; Send waits for delivery.
type FeedSink struct {
	feed  event.FeedOf[Event]
	scope event.SubscriptionScope
}

func NewFeedSink() *FeedSink {
	return &FeedSink{}
}

func (s *FeedSink) Log(ev Event) {
	s.feed.Send(ev)
}

// Subscribe registers ch for all future events.
func (s *FeedSink) Subscribe(ch chan<- Event) event.Subscription {
	return s.scope.Track(s.feed.Subscribe(ch))
}

// Close terminates all subscriptions.
func (s *FeedSink) Close() {
	s.scope.Close()
}
