package nats

import "testing"

func TestParseServerURLDefaultsPort(t *testing.T) {
	u, err := parseServerURL("127.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Scheme != "nats" {
		t.Errorf("scheme = %q, want nats", u.Scheme)
	}
	if u.Port() != "4222" {
		t.Errorf("port = %q, want 4222", u.Port())
	}
}

func TestParseServerURLKeepsExplicitPort(t *testing.T) {
	u, err := parseServerURL("nats://host:4333")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Port() != "4333" {
		t.Errorf("port = %q, want 4333", u.Port())
	}
}

func TestNewSrvPoolRequiresAtLeastOneServer(t *testing.T) {
	if _, err := newSrvPool("", false); err != ErrNoServers {
		t.Fatalf("err = %v, want ErrNoServers", err)
	}
	if _, err := newSrvPool("  ,  ", false); err != ErrNoServers {
		t.Fatalf("err = %v, want ErrNoServers", err)
	}
}

func TestSrvPoolNoRandomizePreservesOrder(t *testing.T) {
	pool, err := newSrvPool("nats://a:4222,nats://b:4222,nats://c:4222", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := pool.urls()
	want := []string{"nats://a:4222", "nats://b:4222", "nats://c:4222"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("urls[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestSrvPoolNextRotatesAndDrops(t *testing.T) {
	pool, _ := newSrvPool("nats://a:4222,nats://b:4222", true)
	first := pool.current()
	if first.url.Host != "a:4222" {
		t.Fatalf("current = %q, want a:4222", first.url.Host)
	}

	// maxReconnect=0: the current server is dropped (not rotated) once
	// it has failed once.
	next := pool.next(0)
	if next == nil || next.url.Host != "b:4222" {
		t.Fatalf("next = %v, want b:4222", next)
	}
	if len(pool.servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1 (a should have been dropped)", len(pool.servers))
	}
}

func TestSrvPoolNextUnboundedRotatesToTail(t *testing.T) {
	pool, _ := newSrvPool("nats://a:4222,nats://b:4222", true)
	pool.next(-1)
	got := pool.urls()
	want := []string{"nats://b:4222", "nats://a:4222"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("urls[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestMergeDiscoveredAddsAndEvicts(t *testing.T) {
	pool, _ := newSrvPool("nats://a:4222", true)
	pool.mergeDiscovered([]string{"a:4222", "b:4222"})
	if len(pool.servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(pool.servers))
	}

	// A subsequent INFO that no longer announces b should evict it
	// (it is implicit, and not the current target).
	pool.mergeDiscovered([]string{"a:4222"})
	if len(pool.servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1 after eviction", len(pool.servers))
	}
}

func TestNormalizeHostTreatsLoopbackAsEquivalent(t *testing.T) {
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		if normalizeHost(h) != "localhost" {
			t.Errorf("normalizeHost(%q) = %q, want localhost", h, normalizeHost(h))
		}
	}
	if normalizeHost("example.com") != "example.com" {
		t.Errorf("normalizeHost should not touch non-loopback hosts")
	}
}
