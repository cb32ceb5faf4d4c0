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
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

// InboxPrefix is the fixed leading token of every inbox subject.
const InboxPrefix = "_INBOX."

// NewInbox returns a connection-scoped-unique reply subject. The
// teacher (nats-io/nats.go) generates these with nuid rather than
// crypto/rand+hex: nuid is lock-free and produces a shorter, still
// practically-unique token, which matters here since a busy requester
// may mint thousands of these per second.
func NewInbox() string {
	return InboxPrefix + nuid.Next()
}

// newInboxPrefix returns the random per-connection token used to
// scope this connection's shared inbox subscription: _INBOX.<prefix>.*
func newInboxPrefix() string {
	return nuid.Next()
}

// respInbox is the connection's single internal subscription used to
// route request/reply traffic.
type respInbox struct {
	mu      sync.Mutex
	prefix  string
	sub     *Subscription
	waiters map[string]chan *Msg
}

// token mints a new per-request correlation token and registers a
// waiter channel for it.
func (r *respInbox) token() (string, chan *Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := nuid.Next()
	ch := make(chan *Msg, 1)
	r.waiters[tok] = ch
	return tok, ch
}

// subject returns the full reply subject for a given token.
func (r *respInbox) subject(tok string) string {
	return InboxPrefix + r.prefix + "." + tok
}

// deliver routes an arriving reply to its waiter by the token portion
// of the reply subject; replies with no matching waiter are discarded
// silently.
func (r *respInbox) deliver(subj string, m *Msg) {
	tok := r.tokenOf(subj)
	r.mu.Lock()
	ch, ok := r.waiters[tok]
	if ok {
		delete(r.waiters, tok)
	}
	r.mu.Unlock()
	if ok {
		select {
		case ch <- m:
		default:
		}
	}
}

// cancel removes a waiter, e.g. when its deadline elapses.
func (r *respInbox) cancel(tok string) {
	r.mu.Lock()
	delete(r.waiters, tok)
	r.mu.Unlock()
}

// tokenOf extracts the trailing token from an _INBOX.<prefix>.<token>
// subject.
func (r *respInbox) tokenOf(subj string) string {
	idx := strings.LastIndexByte(subj, '.')
	if idx < 0 {
		return ""
	}
	return subj[idx+1:]
}

// ensureRespInbox lazily creates the shared inbox subscription on the
// first request.
func (nc *Conn) ensureRespInbox() (*respInbox, error) {
	nc.mu.Lock()
	if nc.resp != nil {
		r := nc.resp
		nc.mu.Unlock()
		return r, nil
	}
	r := &respInbox{prefix: newInboxPrefix(), waiters: make(map[string]chan *Msg)}
	nc.resp = r
	nc.mu.Unlock()

	// No callback/channel: Conn.processMsg special-cases nc.resp.sub and
	// routes straight to r.deliver, bypassing the normal enqueue path.
	sub, err := nc.subscribe(r.subject("*"), _EMPTY_, nil, nil, true, nil)
	if err != nil {
		nc.mu.Lock()
		nc.resp = nil
		nc.mu.Unlock()
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Request performs a request/reply round trip, waiting up to timeout
// for the first reply.
func (nc *Conn) Request(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	return nc.RequestMsg(&Msg{Subject: subj, Data: data}, timeout)
}

// RequestMsg is Request taking a pre-built Msg, so headers can be set
// (e.g. for no-responders) before sending.
func (nc *Conn) RequestMsg(m *Msg, timeout time.Duration) (*Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return nc.RequestMsgWithContext(ctx, m)
}

// RequestMsgWithContext is RequestMsg bound to a caller-supplied
// context instead of a bare timeout.
func (nc *Conn) RequestMsgWithContext(ctx context.Context, m *Msg) (*Msg, error) {
	if err := validateSubject(m.Subject); err != nil {
		return nil, err
	}
	r, err := nc.ensureRespInbox()
	if err != nil {
		return nil, err
	}
	tok, ch := r.token()
	reply := r.subject(tok)

	if !nc.Opts.NoResponders {
		if m.Header == nil {
			m.Header = make(map[string][]string)
		}
	}

	if err := nc.publish(m.Subject, reply, m.Header, m.Data); err != nil {
		r.cancel(tok)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.isNoResponders() {
			return nil, ErrNoResponders
		}
		return resp, nil
	case <-ctx.Done():
		r.cancel(tok)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-nc.closedCh():
		r.cancel(tok)
		return nil, ErrConnectionClosed
	}
}
