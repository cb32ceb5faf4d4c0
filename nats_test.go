package nats

import (
	"testing"
	"time"
)

func TestOptionsApplyDefaultsThenOverrides(t *testing.T) {
	opts := DefaultOptions
	opts.Servers = DefaultURL
	for _, apply := range []Option{
		Name("my-app"),
		Timeout(5 * time.Second),
		MaxReconnects(10),
		NoEcho(),
	} {
		if err := apply(&opts); err != nil {
			t.Fatalf("option failed: %v", err)
		}
	}
	if opts.Name != "my-app" {
		t.Errorf("Name = %q", opts.Name)
	}
	if opts.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", opts.Timeout)
	}
	if opts.MaxReconnect != 10 {
		t.Errorf("MaxReconnect = %d", opts.MaxReconnect)
	}
	if !opts.NoEcho {
		t.Errorf("NoEcho = false, want true")
	}
}

func TestTimeoutRejectsNegative(t *testing.T) {
	var opts Options
	if err := Timeout(-1)(&opts); err != ErrInvalidTimeout {
		t.Fatalf("err = %v, want ErrInvalidTimeout", err)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Disconnected: "disconnected",
		Connected:    "connected",
		Closed:       "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestParseInfoLine(t *testing.T) {
	info, err := parseInfoLine(`INFO {"server_id":"srv1","host":"127.0.0.1","port":4222,"max_payload":1048576}` + "\r\n")
	if err != nil {
		t.Fatalf("parseInfoLine: %v", err)
	}
	if info.ID != "srv1" || info.Port != 4222 || info.MaxPayload != 1048576 {
		t.Fatalf("got %+v", info)
	}
}

func TestSrvPoolExhaustedAfterAllFail(t *testing.T) {
	pool, _ := newSrvPool("nats://a:4222,nats://b:4222", true)
	pool.next(0)
	pool.next(0)
	if !pool.exhausted() {
		t.Fatal("expected pool to be exhausted once every server has failed once with maxReconnect=0")
	}
}
