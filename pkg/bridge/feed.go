// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-webcontrol.
//
// go-webcontrol is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package bridge

import (
	"sync"

	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
)

// feedBuffer is the per-subscriber event backlog. A subscriber slower
// than this applies backpressure to the publisher instead of losing
// events.
const feedBuffer = 16

// feed fans events out to subscribers. Each subscriber gets its own
// channel and dispatch goroutine, so a slow or re-entrant callback
// cannot stall other subscribers, and per-subscriber delivery order
// matches publish order. A panicking callback is recovered and logged.
type feed[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber[T]
	log    logger.Logger
}

type subscriber[T any] struct {
	ch   chan T
	quit chan struct{}
	once sync.Once
}

func newFeed[T any](log logger.Logger) *feed[T] {
	return &feed[T]{
		subs: make(map[int]*subscriber[T]),
		log:  log,
	}
}

// subscribe registers fn and returns its unsubscribe function, which is
// safe to call more than once.
func (f *feed[T]) subscribe(fn func(T)) func() {
	sub := &subscriber[T]{
		ch:   make(chan T, feedBuffer),
		quit: make(chan struct{}),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go f.dispatch(sub, fn)

	return func() {
		sub.once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(sub.quit)
		})
	}
}

// publish delivers ev to every current subscriber. It blocks only when
// a subscriber's backlog is full and that subscriber has not quit.
func (f *feed[T]) publish(ev T) {
	f.mu.Lock()
	subs := make([]*subscriber[T], 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.quit:
		}
	}
}

// close tears down every subscriber. Pending backlogs are dropped.
func (f *feed[T]) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[int]*subscriber[T])
	f.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.quit) })
	}
}

func (f *feed[T]) dispatch(sub *subscriber[T], fn func(T)) {
	for {
		select {
		case ev := <-sub.ch:
			f.deliver(fn, ev)
		case <-sub.quit:
			return
		}
	}
}

func (f *feed[T]) deliver(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil && f.log != nil {
			f.log.Error("event subscriber panicked", logger.Any("panic", r))
		}
	}()
	fn(ev)
}
