// Package mux multiplexes one broker session across many topic
// subscribers with reference counting: the network subscription for a
// topic exists exactly while at least one listener holds it.
package mux

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"chatlink/logger"
	"chatlink/tools/errs"
)

// Transport is the broker session the mux drives. *stomp.Session
// satisfies it; tests plug in fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Send(destination string, body []byte) error
	Close() error
}

// Listener receives every raw frame published on the subscribed topic.
type Listener = func(payload []byte)

// UnsubscribeFunc releases one listener registration. Safe to call more
// than once; only the first call counts.
type UnsubscribeFunc = func()

type listener struct {
	fn     Listener
	active bool
}

type topicState struct {
	refs      int
	listeners []*listener
}

// Mux owns the refcount table over a single Transport.
type Mux struct {
	transport Transport
	connect   singleflight.Group

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

func New(t Transport) *Mux {
	return &Mux{
		transport: t,
		topics:    make(map[string]*topicState),
	}
}

// Connect establishes the shared session. Concurrent callers join the
// same in-flight attempt; a failure leaves the mux disconnected so a
// later call retries from scratch.
func (m *Mux) Connect(ctx context.Context) error {
	_, err, _ := m.connect.Do("connect", func() (interface{}, error) {
		return nil, m.transport.Connect(ctx)
	})
	return err
}

// Connected reports whether the underlying session is usable.
func (m *Mux) Connected() bool { return m.transport.Connected() }

// Subscribe registers fn for the topic. The first listener on a topic
// triggers the network subscribe; the returned release function drops
// this listener and, when it was the last, the network subscription.
// The 0→1 and 1→0 transitions happen under the mux lock, so rapid
// subscribe/unsubscribe interleavings cannot strand or double-close a
// broker subscription.
func (m *Mux) Subscribe(topic string, fn Listener) (UnsubscribeFunc, error) {
	if fn == nil {
		return nil, errs.Transport("nil listener")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.Transport("mux closed")
	}

	st, ok := m.topics[topic]
	if !ok {
		st = &topicState{}
		if err := m.transport.Subscribe(topic); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.topics[topic] = st
	}

	l := &listener{fn: fn, active: true}
	st.listeners = append(st.listeners, l)
	st.refs++
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(topic, l) })
	}
	return release, nil
}

func (m *Mux) release(topic string, l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.topics[topic]
	if !ok || !l.active {
		return
	}
	l.active = false
	for i, cand := range st.listeners {
		if cand == l {
			st.listeners = append(st.listeners[:i], st.listeners[i+1:]...)
			break
		}
	}
	st.refs--
	if st.refs > 0 {
		return
	}

	delete(m.topics, topic)
	if m.closed {
		return
	}
	if err := m.transport.Unsubscribe(topic); err != nil {
		logger.Warnf("[mux] unsubscribe %s failed: %v", topic, err)
	}
}

// Dispatch fans one inbound frame out to the topic's listeners in
// registration order. Wire it to the transport's frame callback. A
// listener removed by an earlier callback in the same fan-out is
// skipped; the rest run exactly once.
func (m *Mux) Dispatch(topic string, payload []byte) {
	m.mu.Lock()
	st, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := make([]*listener, len(st.listeners))
	copy(snapshot, st.listeners)
	m.mu.Unlock()

	for _, l := range snapshot {
		m.mu.Lock()
		active := l.active
		m.mu.Unlock()
		if active {
			l.fn(payload)
		}
	}
}

// Publish sends a payload. Returns false without error when the session
// is not ready; the caller decides whether to retry.
func (m *Mux) Publish(destination string, payload []byte) bool {
	if err := m.transport.Send(destination, payload); err != nil {
		logger.Warnf("[mux] publish %s failed: %v", destination, err)
		return false
	}
	return true
}

// Refs returns the live listener count for a topic.
func (m *Mux) Refs(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.topics[topic]; ok {
		return st.refs
	}
	return 0
}

// Close tears down every subscription and the session. Idempotent.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for topic, st := range m.topics {
		for _, l := range st.listeners {
			l.active = false
		}
		delete(m.topics, topic)
	}
	m.mu.Unlock()

	return m.transport.Close()
}
