// Package testutil provides reusable test doubles: an in-memory fabric
// connection with the same delivery semantics as the NATS transport, a
// fake clock, and capture sinks for published records.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
)

// MemConn is an in-memory fabric.Conn for tests. Messages are delivered
// synchronously in the publisher's goroutine, in subscription order.
// Every published message is also recorded for assertions.
type MemConn struct {
	mu     sync.Mutex
	subs   []*memSub
	inbox  map[string]chan []byte
	closed bool
	nextID int

	// Published records every Publish call in order.
	Published []fabric.Message

	// PublishErr, when set, is returned by Publish. PublishErrCount
	// limits how many calls fail before publishing succeeds again
	// (0 means every call fails while PublishErr is set).
	PublishErr      error
	PublishErrCount int
}

// NewMemConn creates an empty in-memory fabric.
func NewMemConn() *MemConn {
	return &MemConn{inbox: make(map[string]chan []byte)}
}

type memSub struct {
	conn    *MemConn
	pattern string
	handler fabric.Handler
	active  bool
}

func (s *memSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.active = false
	return nil
}

func (c *MemConn) Publish(key string, data []byte, headers map[string]string) error {
	return c.deliver(fabric.Message{Key: key, Data: data, Headers: headers})
}

func (c *MemConn) deliver(msg fabric.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fabric.ErrClosed
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		if c.PublishErrCount > 0 {
			c.PublishErrCount--
			if c.PublishErrCount == 0 {
				c.PublishErr = nil
			}
		}
		c.mu.Unlock()
		return err
	}
	c.Published = append(c.Published, msg)
	var handlers []fabric.Handler
	for _, s := range c.subs {
		if s.active && keyexpr.Match(s.pattern, msg.Key) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (c *MemConn) Subscribe(pattern string, h fabric.Handler) (fabric.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrClosed
	}
	s := &memSub{conn: c, pattern: pattern, handler: h, active: true}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *MemConn) Request(key string, data []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fabric.ErrClosed
	}
	c.nextID++
	reply := fmt.Sprintf("_inbox/%d", c.nextID)
	ch := make(chan []byte, 1)
	c.inbox[reply] = ch
	var handlers []fabric.Handler
	for _, s := range c.subs {
		if s.active && keyexpr.Match(s.pattern, key) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		return nil, fabric.ErrNoResponders
	}
	msg := fabric.Message{Key: key, Data: data, Reply: reply}
	for _, h := range handlers {
		h(msg)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.inbox, reply)
		c.mu.Unlock()
		return nil, fmt.Errorf("request to %s timed out", key)
	}
}

func (c *MemConn) Respond(m fabric.Message, data []byte) error {
	if m.Reply == "" {
		return fmt.Errorf("message is not a request")
	}
	c.mu.Lock()
	ch, ok := c.inbox[m.Reply]
	if ok {
		delete(c.inbox, m.Reply)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending request for %s", m.Reply)
	}
	ch <- data
	return nil
}

func (c *MemConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// MessagesFor returns every recorded publish matching the pattern.
func (c *MemConn) MessagesFor(pattern string) []fabric.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fabric.Message
	for _, m := range c.Published {
		if keyexpr.Match(pattern, m.Key) {
			out = append(out, m)
		}
	}
	return out
}

// LastFor returns the most recent publish matching the pattern, if any.
func (c *MemConn) LastFor(pattern string) (fabric.Message, bool) {
	msgs := c.MessagesFor(pattern)
	if len(msgs) == 0 {
		return fabric.Message{}, false
	}
	return msgs[len(msgs)-1], true
}
