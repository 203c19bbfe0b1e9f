// Package signalingtest provides an in-memory Signaler for tests.
package signalingtest

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// Signaler records sent messages and dispatches injected ones to handlers
// synchronously, the way the client's reader goroutine does.
type Signaler struct {
	// AfterSend, when set, runs after each message is recorded. It may call
	// Deliver to model a relay that replies before Send returns.
	AfterSend func(msg signaling.Message)

	mu       sync.Mutex
	sent     []signaling.Message
	handlers map[int]func(signaling.Message)
	nextID   int
}

var _ signaling.Signaler = (*Signaler)(nil)

func New() *Signaler {
	return &Signaler{handlers: make(map[int]func(signaling.Message))}
}

func (s *Signaler) Send(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	if s.AfterSend != nil {
		s.AfterSend(msg)
	}
	return nil
}

func (s *Signaler) OnMessage(handler func(signaling.Message)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Deliver hands msg to every registered handler in registration order.
func (s *Signaler) Deliver(msg signaling.Message) {
	s.mu.Lock()
	handlers := make([]func(signaling.Message), 0, len(s.handlers))
	for id := 0; id < s.nextID; id++ {
		if h, ok := s.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Sent returns every message sent so far.
func (s *Signaler) Sent() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.sent...)
}

// SentKinds returns the kinds of sent messages in order.
func (s *Signaler) SentKinds() []signaling.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Kind, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Kind)
	}
	return out
}

// Count reports how many messages of kind were sent.
func (s *Signaler) Count(kind signaling.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets sent messages.
func (s *Signaler) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}
