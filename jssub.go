// Copyright 2020-2024 The NATS Authors
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
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// jsSub is the JetStream-specific state hung off a Subscription via
// its jsi field: the stream/consumer/delivery subject it is bound to,
// pull (the batch size, non-zero only for pull consumers), the
// stream-sequence gap tracking applied to every JetStream delivery,
// and the idle-heartbeat watchdog, armed only for push consumers
// configured with one.
type jsSub struct {
	js *js

	stream, consumer string
	deliver          string
	pull             int

	// deleteConsumerOnUnsub is set for ephemeral (non-Durable)
	// consumers that subscribe created itself, except on queue
	// subscriptions: Unsubscribe removes the local interest immediately and
	// additionally asks the server to delete the consumer, since no
	// other client can ever reattach to it.
	deleteConsumerOnUnsub bool

	// lastSeq is the last stream sequence observed on this
	// subscription's ack-subject metadata, used to detect a gap.
	lastSeq uint64

	// hb tracks idle-heartbeat bookkeeping for push consumers configured
	// with one; a missed heartbeat surfaces as ErrMissedHeartbeat via
	// the connection's async error handler.
	hbInterval time.Duration
	hbTimer    *time.Timer
}

const jsApiConsumerDeleteT = "CONSUMER.DELETE.%s.%s"

// bind records which stream/consumer/delivery-subject this
// subscription was ultimately attached to, whether that came from a
// fresh CONSUMER.CREATE response or from attaching to one that already
// existed.
func (jsi *jsSub) bind(stream, consumer, deliver string) {
	jsi.stream = stream
	jsi.consumer = consumer
	jsi.deliver = deliver
}

// deleteConsumer issues a best-effort $JS.API.CONSUMER.DELETE for an
// ephemeral consumer whose local subscription has gone away. Errors
// are not actionable by the caller (Unsubscribe has already
// committed), so they are swallowed here.
func (jsi *jsSub) deleteConsumer() {
	if jsi == nil || jsi.js == nil || jsi.stream == _EMPTY_ || jsi.consumer == _EMPTY_ {
		return
	}
	subj := jsi.js.apiSubj(fmt.Sprintf(jsApiConsumerDeleteT, jsi.stream, jsi.consumer))
	jsi.js.nc.Request(subj, nil, jsi.js.wait)
}

// checkSequence compares the stream sequence carried in an ack-subject
// against the last one seen on this subscription, flagging a gap.
// Call with the subscription lock held.
func (jsi *jsSub) checkSequence(streamSeq uint64) error {
	if jsi.lastSeq != 0 && streamSeq > jsi.lastSeq+1 {
		jsi.lastSeq = streamSeq
		return ErrSequenceMismatch
	}
	jsi.lastSeq = streamSeq
	return nil
}

// startHeartbeatMonitor arms the idle-heartbeat watchdog for a push
// consumer created with a configured Heartbeat interval. Every bare
// heartbeat or flow-control message handleJSControl observes resets
// the timer; if it ever fires, nothing arrived within twice the
// configured interval and the subscriber is told asynchronously.
func (jsi *jsSub) startHeartbeatMonitor(nc *Conn, sub *Subscription, hb time.Duration) {
	if hb <= 0 {
		return
	}
	jsi.hbInterval = hb
	jsi.hbTimer = time.AfterFunc(2*hb, func() {
		nc.notifyAsyncError(sub, ErrMissedHeartbeat)
	})
}

// ackReplyStreamSeq extracts the stream sequence from a JetStream
// ack-reply subject, mirroring the token layout Msg.MetaData parses
// ($JS.ACK.<stream>.<consumer>.<numDelivered>.<streamSeq>.<consumerSeq>.<timestamp>.<numPending>).
func ackReplyStreamSeq(reply string) (uint64, bool) {
	const expectedTokens = 9
	var tsa [expectedTokens]string
	start, tokens := 0, tsa[:0]
	for i := 0; i < len(reply); i++ {
		if reply[i] == '.' {
			tokens = append(tokens, reply[start:i])
			start = i + 1
		}
	}
	tokens = append(tokens, reply[start:])
	if len(tokens) != expectedTokens || tokens[0] != "$JS" || tokens[1] != "ACK" {
		return 0, false
	}
	seq := parseNum(tokens[5])
	if seq < 0 {
		return 0, false
	}
	return uint64(seq), true
}

// Fetch performs a pull-consumer batch fetch: drain whatever is
// already buffered without blocking, then (if still short) issue one
// pull request (no_wait when batch > 1, otherwise an expiring pull),
// and on a 404 ("no messages available") retry
// once bounded by an expires pull. Returns the collected messages with
// a nil error if at least one arrived; returns the last status-driven
// error only when zero did.
func (sub *Subscription) Fetch(batch int, timeout time.Duration) ([]*Msg, error) {
	sub.mu.Lock()
	if sub.jsi == nil || sub.jsi.pull == 0 {
		sub.mu.Unlock()
		return nil, ErrTypeSubscription
	}
	ch := sub.mch
	jsi := sub.jsi
	nc, reply := sub.conn, sub.Subject
	sub.mu.Unlock()

	msgs := make([]*Msg, 0, batch)
	drain := func() {
		for len(msgs) < batch {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				if sub.dequeue(m) && m.statusCode() == 0 {
					msgs = append(msgs, m)
				}
			default:
				return
			}
		}
	}
	drain()
	if len(msgs) >= batch {
		return msgs, nil
	}

	deadline := time.Now().Add(timeout)
	noWait := batch > 1
	if err := jsi.sendPullRequest(nc, reply, batch-len(msgs), noWait, time.Until(deadline)); err != nil {
		if len(msgs) > 0 {
			return msgs, nil
		}
		return nil, err
	}

	var lastErr error = ErrTimeout
fetchLoop:
	for len(msgs) < batch {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		t := time.NewTimer(remaining)
		select {
		case m, ok := <-ch:
			t.Stop()
			if !ok {
				lastErr = ErrConnectionClosed
				break fetchLoop
			}
			if !sub.dequeue(m) {
				continue
			}
			switch code := m.statusCode(); code {
			case 0:
				msgs = append(msgs, m)
			case 404:
				// no_wait said nothing is available yet; retry once bounded
				// by an expiring pull.
				if noWait {
					noWait = false
					jsi.sendPullRequest(nc, reply, batch-len(msgs), false, time.Until(deadline))
					continue
				}
				lastErr = ErrTimeout
			case 408:
				lastErr = ErrTimeout
			}
		case <-t.C:
			break fetchLoop
		}
	}
	if len(msgs) == 0 {
		return nil, lastErr
	}
	return msgs, nil
}

// sendPullRequest issues one $JS.API.CONSUMER.MSG.NEXT request for the
// given batch size, set to either no_wait or an expiring wait.
func (jsi *jsSub) sendPullRequest(nc *Conn, reply string, batch int, noWait bool, expires time.Duration) error {
	req := jetstream.NextRequest{Batch: batch, NoWait: noWait}
	if !noWait && expires > 0 {
		req.Expires = expires
	}
	b, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	subj := jsi.js.apiSubj(fmt.Sprintf(JSApiRequestNextT, jsi.stream, jsi.consumer))
	return nc.PublishRequest(subj, reply, b)
}

// handleJSControl intercepts JetStream flow-control and heartbeat
// status messages (status 100) before they would otherwise be handed
// to the subscriber. It reports whether m was a control message (and
// therefore already fully handled).
func (nc *Conn) handleJSControl(sub *Subscription, m *Msg) bool {
	if m.statusCode() != 100 {
		return false
	}
	if m.Reply != _EMPTY_ {
		// Flow control request: echo the reply subject back right away.
		// Messages enqueued on sub before this one are not waited for,
		// so the subscriber may not have consumed them yet.
		nc.publish(m.Reply, _EMPTY_, nil, nil)
	}
	// A bare heartbeat (no reply) requires no action beyond having been
	// observed; the idle-heartbeat timer (if configured) is reset here
	// for every control message.
	sub.mu.Lock()
	if sub.jsi != nil && sub.jsi.hbTimer != nil {
		sub.jsi.hbTimer.Reset(2 * sub.jsi.hbInterval)
	}
	sub.mu.Unlock()
	return true
}
