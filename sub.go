// Copyright 2012-2024 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nats

import (
	"sync"
	"time"
)

// subMode distinguishes how a Subscription delivers messages.
type subMode int

const (
	syncMode subMode = iota
	asyncMode
	jetstreamMode
)

// Subscription is identified by a monotonically increasing sid and
// owns a bounded pending queue.
type Subscription struct {
	mu sync.Mutex

	sid   uint64
	conn  *Conn
	mode  subMode

	Subject string
	Queue   string

	mcb MsgHandler

	mch   chan *Msg
	closed bool

	// pending accounting: pendingMsgs <= msgLimit and pendingBytes <=
	// byteLimit unless unlimited.
	pendingMsgs  int
	pendingBytes int
	msgLimit     int
	byteLimit    int

	delivered uint64
	dropped   uint64
	max       uint64 // auto-unsubscribe cap; 0 means unbounded

	sc     bool // slow consumer flagged since last NextMsg/delivery
	seqErr bool // JetStream sequence gap flagged since last NextMsg/delivery

	dispatching bool // an async delivery goroutine is currently draining mch

	jsi *jsSub // non-nil only for JetStream subscriptions
}

// MsgHandler processes messages delivered to asynchronous subscribers.
type MsgHandler func(msg *Msg)

// NoLimit disables pending-limit enforcement for a subscription.
const NoLimit = -1

// DefaultSubPendingMsgsLimit and DefaultSubPendingBytesLimit are the
// connection-inherited defaults.
const (
	DefaultSubPendingMsgsLimit  = 65536
	DefaultSubPendingBytesLimit = 64 * 1024 * 1024
)

// newSubscription builds a registry entry; it does not touch the wire.
func newSubscription(nc *Conn, sid uint64, subj, queue string, mode subMode, cb MsgHandler) *Subscription {
	return &Subscription{
		sid:          sid,
		conn:         nc,
		mode:         mode,
		Subject:      subj,
		Queue:        queue,
		mcb:          cb,
		mch:          make(chan *Msg, 1),
		msgLimit:     nc.Opts.SubPendingMsgsLimit,
		byteLimit:    nc.Opts.SubPendingBytesLimit,
	}
}

// subscriptions is the per-connection registry: sid -> subscription,
// guarded by the connection lock.
type subscriptions struct {
	nextSid uint64
	bySid   map[uint64]*Subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{bySid: make(map[uint64]*Subscription)}
}

func (s *subscriptions) add(sub *Subscription) {
	s.bySid[sub.sid] = sub
}

func (s *subscriptions) get(sid uint64) *Subscription {
	return s.bySid[sid]
}

func (s *subscriptions) remove(sid uint64) {
	delete(s.bySid, sid)
}

func (s *subscriptions) newSid() uint64 {
	s.nextSid++
	return s.nextSid
}

func (s *subscriptions) all() []*Subscription {
	out := make([]*Subscription, 0, len(s.bySid))
	for _, sub := range s.bySid {
		out = append(out, sub)
	}
	return out
}

// enqueue routes one delivered message into the subscription's
// pending queue. It never blocks the caller (the
// parser/read loop): on overflow it drops the message and counts it,
// coalescing the async-error notification per overflow burst.
func (sub *Subscription) enqueue(m *Msg) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}

	msgLimitHit := sub.msgLimit != NoLimit && sub.pendingMsgs >= sub.msgLimit
	byteLimitHit := sub.byteLimit != NoLimit && sub.pendingBytes+len(m.Data) > sub.byteLimit
	if msgLimitHit || byteLimitHit {
		sub.dropped++
		alreadyFlagged := sub.sc
		sub.sc = true
		sub.mu.Unlock()
		if !alreadyFlagged {
			sub.conn.notifyAsyncError(sub, ErrSlowConsumer)
		}
		return
	}

	sub.pendingMsgs++
	sub.pendingBytes += len(m.Data)
	ch := sub.mch
	async := sub.mcb != nil
	sub.mu.Unlock()

	select {
	case ch <- m:
	default:
		// Channel briefly full between the limit check and the send;
		// treat identically to a limit hit rather than block the reader.
		sub.mu.Lock()
		sub.pendingMsgs--
		sub.pendingBytes -= len(m.Data)
		sub.dropped++
		alreadyFlagged := sub.sc
		sub.sc = true
		sub.mu.Unlock()
		if !alreadyFlagged {
			sub.conn.notifyAsyncError(sub, ErrSlowConsumer)
		}
		return
	}

	if async {
		sub.conn.dispatch(sub)
	}
}

// dequeue is called by both NextMsg and the async delivery task after
// a message has been taken off mch, to keep pending accounting and
// the auto-unsubscribe cap correct.
func (sub *Subscription) dequeue(m *Msg) (deliver bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.pendingMsgs--
	sub.pendingBytes -= len(m.Data)
	sub.delivered++

	if sub.max > 0 && sub.delivered > sub.max {
		return false
	}
	return true
}

// NextMsg blocks until a message arrives, the subscription is closed,
// or timeout elapses.
func (s *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	s.mu.Lock()
	if s.mcb != nil {
		s.mu.Unlock()
		return nil, ErrTypeSubscription
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrBadSubscription
	}
	if s.sc {
		s.sc = false
		s.mu.Unlock()
		return nil, ErrSlowConsumer
	}
	if s.seqErr {
		s.seqErr = false
		s.mu.Unlock()
		return nil, ErrSequenceMismatch
	}
	ch := s.mch
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if !s.dequeue(m) {
			return nil, ErrBadSubscription
		}
		return m, nil
	case <-t.C:
		return nil, ErrTimeout
	}
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Unsubscribe removes interest immediately.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, 0)
}

// AutoUnsubscribe issues an automatic Unsubscribe processed once max
// messages have been received.
func (s *Subscription) AutoUnsubscribe(max int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, max)
}

// Pending returns the current pending message and byte counts.
func (s *Subscription) Pending() (msgs, bytes int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, 0, ErrBadSubscription
	}
	return s.pendingMsgs, s.pendingBytes, nil
}

// PendingLimits returns the configured message and byte limits.
func (s *Subscription) PendingLimits() (msgLimit, byteLimit int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, 0, ErrBadSubscription
	}
	return s.msgLimit, s.byteLimit, nil
}

// SetPendingLimits overrides the per-subscription defaults.
func (s *Subscription) SetPendingLimits(msgLimit, byteLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrBadSubscription
	}
	s.msgLimit, s.byteLimit = msgLimit, byteLimit
	return nil
}

// Delivered returns the number of messages delivered to this
// subscription so far.
func (s *Subscription) Delivered() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, ErrBadSubscription
	}
	return int64(s.delivered), nil
}

// Dropped returns the number of messages dropped due to slow-consumer
// overflow.
func (s *Subscription) Dropped() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, ErrBadSubscription
	}
	return int(s.dropped), nil
}

// ClearMaxPending resets the slow-consumer flag raised on this
// subscription.
func (s *Subscription) ClearMaxPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrBadSubscription
	}
	s.sc = false
	return nil
}

// close marks the subscription closed and releases any blocked
// NextMsg/dispatch waiters. Called with the subscription lock NOT
// held; it acquires it internally (connection lock -> subscription
// lock ordering, never reversed).
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.conn = nil
	ch := s.mch
	s.mch = nil
	if s.jsi != nil && s.jsi.hbTimer != nil {
		s.jsi.hbTimer.Stop()
	}
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
