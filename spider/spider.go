// Package spider implements the per-neighbor outbound fan-out: a
// concurrent registry mapping a neighbor key to the set of subscribers
// waiting to carry datagrams to that neighbor.
package spider

import (
	"errors"
	"sync"
)

var (
	// ErrNoSubscribers is returned when sending to a key nobody is
	// subscribed to.
	ErrNoSubscribers = errors.New("no subscribers for key")

	// ErrWouldBlock is returned by TrySend when every subscriber's
	// buffer is full. The overlay is lossy; callers drop the datagram.
	ErrWouldBlock = errors.New("subscriber buffers full")
)

// Spider is a concurrent fan-out registry. Every subscriber to a key
// receives every message sent to that key.
type Spider[K comparable, V any] struct {
	mu   sync.RWMutex
	subs map[K]map[*Subscription[K, V]]struct{}
}

// New creates an empty spider.
func New[K comparable, V any]() *Spider[K, V] {
	return &Spider[K, V]{
		subs: make(map[K]map[*Subscription[K, V]]struct{}),
	}
}

// Subscription is one subscriber's receive handle. Close unregisters it;
// messages sent afterwards are no longer delivered to it.
type Subscription[K comparable, V any] struct {
	spider *Spider[K, V]
	key    K
	ch     chan V
	done   chan struct{}
	once   sync.Once
}

// Chan returns the channel messages are delivered on. The channel has a
// single-slot buffer: a slow consumer backs senders up.
func (s *Subscription[K, V]) Chan() <-chan V {
	return s.ch
}

// Close unregisters the subscription; a sender blocked on its buffer is
// released.
func (s *Subscription[K, V]) Close() {
	s.once.Do(func() {
		close(s.done)

		s.spider.mu.Lock()
		defer s.spider.mu.Unlock()

		set := s.spider.subs[s.key]
		delete(set, s)
		if len(set) == 0 {
			delete(s.spider.subs, s.key)
		}
	})
}

// Subscribe registers a new subscriber for the given key.
func (s *Spider[K, V]) Subscribe(key K) *Subscription[K, V] {
	sub := &Subscription[K, V]{
		spider: s,
		key:    key,
		ch:     make(chan V, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[key] == nil {
		s.subs[key] = make(map[*Subscription[K, V]]struct{})
	}
	s.subs[key][sub] = struct{}{}

	return sub
}

// snapshot returns the current subscribers of a key.
func (s *Spider[K, V]) snapshot(key K) []*Subscription[K, V] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.subs[key]
	subs := make([]*Subscription[K, V], 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}

	return subs
}

// Send delivers v to every subscriber of key, blocking until each has
// taken it. It fails if the key has no subscribers.
func (s *Spider[K, V]) Send(key K, v V) error {
	subs := s.snapshot(key)
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	}

	return nil
}

// TrySend delivers v to every subscriber of key whose buffer has room. It
// fails if the key has no subscribers, or with ErrWouldBlock if no
// subscriber could take the message.
func (s *Spider[K, V]) TrySend(key K, v V) error {
	subs := s.snapshot(key)
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	delivered := false
	for _, sub := range subs {
		select {
		case sub.ch <- v:
			delivered = true
		default:
		}
	}
	if !delivered {
		return ErrWouldBlock
	}

	return nil
}

// Keys returns every key with at least one subscriber.
func (s *Spider[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]K, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}

	return keys
}

// Contains reports whether the key has at least one subscriber.
func (s *Spider[K, V]) Contains(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.subs[key]

	return ok
}
