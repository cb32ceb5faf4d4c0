package nats

import (
	"sync"
	"testing"
	"time"
)

func newTestConn() *Conn {
	return &Conn{
		Opts: Options{
			SubPendingMsgsLimit:  DefaultSubPendingMsgsLimit,
			SubPendingBytesLimit: DefaultSubPendingBytesLimit,
		},
		subs:    newSubscriptions(),
		status:  Connected,
		closeCh: make(chan struct{}),
	}
}

func TestSubscriptionsRegistry(t *testing.T) {
	subs := newSubscriptions()
	nc := newTestConn()
	s1 := newSubscription(nc, subs.newSid(), "a", "", syncMode, nil)
	subs.add(s1)
	s2 := newSubscription(nc, subs.newSid(), "b", "", syncMode, nil)
	subs.add(s2)

	if got := subs.get(s1.sid); got != s1 {
		t.Fatalf("get(%d) = %v, want s1", s1.sid, got)
	}
	if len(subs.all()) != 2 {
		t.Fatalf("len(all()) = %d, want 2", len(subs.all()))
	}
	subs.remove(s1.sid)
	if subs.get(s1.sid) != nil {
		t.Fatalf("subscription still present after remove")
	}
}

func TestSubscriptionNextMsgDeliversInOrder(t *testing.T) {
	nc := newTestConn()
	sub := newSubscription(nc, 1, "subj", "", syncMode, nil)
	sub.conn = nc
	sub.mch = make(chan *Msg, 2)

	go func() {
		sub.enqueue(&Msg{Subject: "subj", Data: []byte("one")})
		sub.enqueue(&Msg{Subject: "subj", Data: []byte("two")})
	}()

	m1, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	m2, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if string(m1.Data) != "one" || string(m2.Data) != "two" {
		t.Fatalf("got %q, %q", m1.Data, m2.Data)
	}

	delivered, _ := sub.Delivered()
	if delivered != 2 {
		t.Fatalf("Delivered() = %d, want 2", delivered)
	}
}

func TestSubscriptionNextMsgTimesOut(t *testing.T) {
	nc := newTestConn()
	sub := newSubscription(nc, 1, "subj", "", syncMode, nil)
	sub.conn = nc

	_, err := sub.NextMsg(10 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSubscriptionPendingLimitDropsAndFlags(t *testing.T) {
	nc := newTestConn()
	sub := newSubscription(nc, 1, "subj", "", syncMode, nil)
	sub.conn = nc
	sub.msgLimit = 1
	sub.mch = make(chan *Msg, 1)

	sub.enqueue(&Msg{Data: []byte("a")})
	sub.enqueue(&Msg{Data: []byte("b")}) // dropped: msgLimit reached

	pending, _, _ := sub.Pending()
	if pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}
	dropped, _ := sub.Dropped()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if !sub.sc {
		t.Fatal("slow-consumer flag not set after a drop")
	}
}

func TestSubscriptionAsyncDispatchIsSerialized(t *testing.T) {
	nc := newTestConn()
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	sub := newSubscription(nc, 1, "subj", "", asyncMode, func(m *Msg) {
		mu.Lock()
		order = append(order, string(m.Data))
		mu.Unlock()
		done <- struct{}{}
	})
	sub.conn = nc
	sub.mch = make(chan *Msg, 8)

	for _, d := range []string{"1", "2", "3"} {
		sub.enqueue(&Msg{Data: []byte(d)})
		nc.dispatch(sub)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("got order %v, want [1 2 3]", order)
	}
}

func TestSubscriptionCloseUnblocksNextMsg(t *testing.T) {
	nc := newTestConn()
	sub := newSubscription(nc, 1, "subj", "", syncMode, nil)
	sub.conn = nc

	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.close()
	}()

	_, err := sub.NextMsg(time.Second)
	if err != ErrConnectionClosed {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestValidateSubject(t *testing.T) {
	valid := []string{"a", "a.b", "a.*.c", "a.>", ">", "*", "foo.bar.baz"}
	invalid := []string{"", ".", "a.", ".a", "a..b", "a.>.b", "a b", "a\t"}

	for _, s := range valid {
		if err := validateSubject(s); err != nil {
			t.Errorf("validateSubject(%q) = %v, want nil", s, err)
		}
	}
	for _, s := range invalid {
		if err := validateSubject(s); err == nil {
			t.Errorf("validateSubject(%q) = nil, want error", s)
		}
	}
}
