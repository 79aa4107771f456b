package events

import (
	"sync"
)

const buffer = 16

// Fanout delivers every published value to all current listeners. Slow
// listeners miss values rather than blocking the publisher.
type Fanout[T any] struct {
	mut  sync.Mutex
	subs []chan<- T
}

func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{}
}

func (s *Fanout[T]) Publish(val T) {
	s.mut.Lock()
	for _, sub := range s.subs {
		select {
		case sub <- val:
		default:
		}
	}
	s.mut.Unlock()
}

func (s *Fanout[T]) Listen() *Subscription[T] {
	ch := make(chan T, buffer)
	s.mut.Lock()
	s.subs = append(s.subs, ch)
	s.mut.Unlock()
	return &Subscription[T]{s, ch}
}

func (s *Fanout[T]) release(ch chan<- T) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

type Subscription[T any] struct {
	pubsub *Fanout[T]
	ch     chan T
}

func (s *Subscription[T]) Channel() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Close() error {
	s.pubsub.release(s.ch)
	return nil
}
