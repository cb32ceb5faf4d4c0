package nats

import (
	"net/http"
	"testing"
)

func TestEncodeDecodeHeadersRoundTrip(t *testing.T) {
	h := make(http.Header)
	h.Set("X-Custom", "value")
	h.Add("X-Multi", "a")
	h.Add("X-Multi", "b")

	raw := encodeHeaders(h)
	decoded, err := decodeHeaders(raw)
	if err != nil {
		t.Fatalf("decodeHeaders: %v", err)
	}
	if decoded.Get("X-Custom") != "value" {
		t.Errorf("X-Custom = %q", decoded.Get("X-Custom"))
	}
	if vs := decoded["X-Multi"]; len(vs) != 2 || vs[0] != "a" || vs[1] != "b" {
		t.Errorf("X-Multi = %v", vs)
	}
}

func TestDecodeHeadersStatusLine(t *testing.T) {
	raw := []byte("NATS/1.0 503 No Responders\r\n\r\n")
	h, err := decodeHeaders(raw)
	if err != nil {
		t.Fatalf("decodeHeaders: %v", err)
	}
	if h.Get(statusHdr) != "503" {
		t.Errorf("Status = %q, want 503", h.Get(statusHdr))
	}
	if h.Get(descrHdr) != "No Responders" {
		t.Errorf("Description = %q", h.Get(descrHdr))
	}
}

func TestMsgIsNoResponders(t *testing.T) {
	h := make(http.Header)
	h.Set(statusHdr, "503")
	m := &Msg{Header: h}
	if !m.isNoResponders() {
		t.Error("expected isNoResponders to be true")
	}

	m2 := &Msg{Data: []byte("x"), Header: h}
	if m2.isNoResponders() {
		t.Error("a message with a body is never a no-responders reply")
	}
}

func TestMsgStatusCode(t *testing.T) {
	h := make(http.Header)
	h.Set(statusHdr, "408")
	m := &Msg{Header: h}
	if m.statusCode() != 408 {
		t.Errorf("statusCode() = %d, want 408", m.statusCode())
	}

	m2 := &Msg{}
	if m2.statusCode() != 0 {
		t.Errorf("statusCode() with no header = %d, want 0", m2.statusCode())
	}
}
