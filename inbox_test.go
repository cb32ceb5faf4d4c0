package nats

import (
	"strings"
	"testing"
)

func TestNewInboxHasPrefixAndIsUnique(t *testing.T) {
	a := NewInbox()
	b := NewInbox()
	if !strings.HasPrefix(a, InboxPrefix) {
		t.Fatalf("NewInbox() = %q, want prefix %q", a, InboxPrefix)
	}
	if a == b {
		t.Fatalf("two calls to NewInbox() produced the same token")
	}
}

func TestRespInboxTokenSubjectRoundTrip(t *testing.T) {
	r := &respInbox{prefix: newInboxPrefix(), waiters: make(map[string]chan *Msg)}
	tok, ch := r.token()
	subj := r.subject(tok)

	if got := r.tokenOf(subj); got != tok {
		t.Fatalf("tokenOf(%q) = %q, want %q", subj, got, tok)
	}

	m := &Msg{Subject: subj}
	r.deliver(subj, m)

	select {
	case got := <-ch:
		if got != m {
			t.Fatalf("delivered wrong message")
		}
	default:
		t.Fatal("expected message to be delivered to the waiter channel")
	}
}

func TestRespInboxDeliverDiscardsUnknownToken(t *testing.T) {
	r := &respInbox{prefix: newInboxPrefix(), waiters: make(map[string]chan *Msg)}
	// Should not panic or block even though no waiter is registered.
	r.deliver(r.subject("nonexistent"), &Msg{})
}

func TestRespInboxCancelRemovesWaiter(t *testing.T) {
	r := &respInbox{prefix: newInboxPrefix(), waiters: make(map[string]chan *Msg)}
	tok, _ := r.token()
	r.cancel(tok)
	if _, ok := r.waiters[tok]; ok {
		t.Fatal("waiter still present after cancel")
	}
}
