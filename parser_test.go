package nats

import (
	"bytes"
	"testing"
)

// recordingHandler captures every protoHandler callback invocation for
// assertions, standing in for *Conn without needing a live socket.
type recordingHandler struct {
	infos  [][]byte
	msgs   []recordedMsg
	pings  int
	pongs  int
	oks    int
	errs   [][]byte
	perrs  []error
}

type recordedMsg struct {
	subject, reply string
	sid            uint64
	header, data   []byte
}

func (h *recordingHandler) processInfo(info []byte) { h.infos = append(h.infos, info) }
func (h *recordingHandler) processMsg(subj, reply []byte, sid uint64, header, payload []byte) {
	h.msgs = append(h.msgs, recordedMsg{
		subject: string(subj),
		reply:   string(reply),
		sid:     sid,
		header:  append([]byte(nil), header...),
		data:    append([]byte(nil), payload...),
	})
}
func (h *recordingHandler) processPing()          { h.pings++ }
func (h *recordingHandler) processPong()          { h.pongs++ }
func (h *recordingHandler) processOK()            { h.oks++ }
func (h *recordingHandler) processErr(text []byte) { h.errs = append(h.errs, text) }
func (h *recordingHandler) processParseErr(err error) { h.perrs = append(h.perrs, err) }

func TestParserWholeBufferMsg(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	if err := p.parse([]byte("MSG foo.bar 1 3\r\nabc\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(h.msgs) != 1 {
		t.Fatalf("got %d msgs, want 1", len(h.msgs))
	}
	m := h.msgs[0]
	if m.subject != "foo.bar" || m.sid != 1 || string(m.data) != "abc" {
		t.Errorf("got %+v", m)
	}
}

func TestParserMsgWithReply(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	if err := p.parse([]byte("MSG foo.bar 9 reply.subj 3\r\nxyz\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	m := h.msgs[0]
	if m.reply != "reply.subj" || m.sid != 9 {
		t.Errorf("got %+v", m)
	}
}

func TestParserHMsg(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	hdr := "NATS/1.0\r\nX: 1\r\n\r\n"
	frame := "HMSG foo 1 " + itoa(len(hdr)) + " " + itoa(len(hdr)+2) + "\r\n" + hdr + "ab\r\n"
	if err := p.parse([]byte(frame)); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	m := h.msgs[0]
	if string(m.header) != hdr || string(m.data) != "ab" {
		t.Errorf("got header=%q data=%q", m.header, m.data)
	}
}

func TestParserSplitAcrossReads(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	full := []byte("MSG foo.bar 1 5\r\nhello\r\n")
	for i := range full {
		if err := p.parse(full[i : i+1]); err != nil {
			t.Fatalf("parse error at byte %d: %v", i, err)
		}
	}
	if len(h.msgs) != 1 || string(h.msgs[0].data) != "hello" {
		t.Fatalf("got %+v", h.msgs)
	}
}

func TestParserSplitMidArgLine(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	if err := p.parse([]byte("MSG foo.b")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := p.parse([]byte("ar 1 2\r\nhi\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(h.msgs) != 1 || h.msgs[0].subject != "foo.bar" || string(h.msgs[0].data) != "hi" {
		t.Fatalf("got %+v", h.msgs)
	}
}

func TestParserPingPongOK(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	if err := p.parse([]byte("PING\r\nPONG\r\n+OK\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if h.pings != 1 || h.pongs != 1 || h.oks != 1 {
		t.Fatalf("pings=%d pongs=%d oks=%d", h.pings, h.pongs, h.oks)
	}
}

func TestParserErr(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	if err := p.parse([]byte("-ERR 'Authorization Violation'\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(h.errs) != 1 || string(h.errs[0]) != "'Authorization Violation'" {
		t.Fatalf("got %+v", h.errs)
	}
}

func TestParserInfo(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	line := `{"server_id":"abc"}`
	if err := p.parse([]byte("INFO " + line + "\r\n")); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(h.infos) != 1 || !bytes.Equal(h.infos[0], []byte(line)) {
		t.Fatalf("got %+v", h.infos)
	}
}

func TestParserMultipleMessagesInOneBuffer(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	buf := "MSG a 1 1\r\nx\r\nMSG b 2 1\r\ny\r\n"
	if err := p.parse([]byte(buf)); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(h.msgs) != 2 || h.msgs[0].subject != "a" || h.msgs[1].subject != "b" {
		t.Fatalf("got %+v", h.msgs)
	}
}

func TestParserMalformedMsgArgsReportsError(t *testing.T) {
	h := &recordingHandler{}
	p := newParser(h)
	err := p.parse([]byte("MSG only.two.fields\r\n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if len(h.perrs) != 1 {
		t.Fatalf("expected processParseErr to be invoked once, got %d", len(h.perrs))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
