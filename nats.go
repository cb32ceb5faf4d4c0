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

// Package nats is a client for the NATS messaging system: publish/
// subscribe, request/reply with queue-group load balancing, and a
// JetStream extension for durable, at-least-once streaming.
package nats

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	_EMPTY_ = ""

	// Version is the client library version.
	Version = "1.0.0"

	DefaultURL           = "nats://127.0.0.1:4222"
	DefaultPort          = 4222
	DefaultMaxReconnect  = 60
	DefaultReconnectWait = 2 * time.Second
	DefaultReconnectJitter = 100 * time.Millisecond
	DefaultReconnectJitterTLS = time.Second
	DefaultTimeout       = 2 * time.Second
	DefaultPingInterval  = 2 * time.Minute
	DefaultMaxPingOut    = 2
	DefaultReconnectBufSize = 8 * 1024 * 1024

	defaultBufSize     = 32768
	defaultPendingSize = 1024 * 1024
)

// Status represents the connection's lifecycle state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	DrainingSubs
	DrainingPubs
	Closed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DrainingSubs:
		return "draining subscriptions"
	case DrainingPubs:
		return "draining publishes"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnHandler is used for asynchronous lifecycle events: closed,
// disconnected, reconnected.
type ConnHandler func(*Conn)

// ConnErrHandler is used for the disconnected callback, which also
// receives the error that triggered the disconnect. Close does not
// invoke it.
type ConnErrHandler func(*Conn, error)

// ErrHandler processes asynchronous errors encountered while
// processing inbound messages for a given subscription: slow
// consumer, missed heartbeat, sequence mismatch.
type ErrHandler func(*Conn, *Subscription, error)

// Option configures an Options struct, the same functional-option
// pattern already used for JSOpt/PubOpt/SubOpt in js.go.
type Option func(*Options) error

// Options holds the full connection configuration surface.
type Options struct {
	Servers     string
	NoRandomize bool
	Timeout     time.Duration
	Name        string
	Verbose     bool
	Pedantic    bool

	PingInterval time.Duration
	MaxPingsOut  int

	AllowReconnect     bool
	MaxReconnect       int
	ReconnectWait      time.Duration
	ReconnectJitter    time.Duration
	ReconnectJitterTLS time.Duration
	ReconnectBufSize   int

	SubPendingMsgsLimit  int
	SubPendingBytesLimit int
	SubChanLen           int

	User     string
	Password string
	Token    string
	Nkey     string

	UserJWT     func() (string, error)
	SignatureCB SignatureHandler

	TLSConfig *tls.Config
	Secure    bool

	NoEcho                   bool
	NoResponders             bool
	WriteDeadline            time.Duration
	FailRequestsOnDisconnect bool

	ClosedCB       ConnHandler
	DisconnectedCB ConnErrHandler
	ReconnectedCB  ConnHandler
	AsyncErrorCB   ErrHandler
}

// DefaultOptions is the package-level Options value used by the
// convenience Connect function.
var DefaultOptions = Options{
	AllowReconnect:       true,
	MaxReconnect:         DefaultMaxReconnect,
	ReconnectWait:        DefaultReconnectWait,
	ReconnectJitter:      DefaultReconnectJitter,
	ReconnectJitterTLS:   DefaultReconnectJitterTLS,
	ReconnectBufSize:     DefaultReconnectBufSize,
	Timeout:              DefaultTimeout,
	PingInterval:         DefaultPingInterval,
	MaxPingsOut:          DefaultMaxPingOut,
	SubPendingMsgsLimit:  DefaultSubPendingMsgsLimit,
	SubPendingBytesLimit: DefaultSubPendingBytesLimit,
	SubChanLen:           maxChanLen,
}

const maxChanLen = 65536

// --- Option constructors ---

func Name(name string) Option {
	return func(o *Options) error { o.Name = name; return nil }
}

func Timeout(t time.Duration) Option {
	return func(o *Options) error {
		if t < 0 {
			return ErrInvalidTimeout
		}
		o.Timeout = t
		return nil
	}
}

func NoRandomize() Option {
	return func(o *Options) error { o.NoRandomize = true; return nil }
}

func DontRandomize() Option { return NoRandomize() }

func ReconnectWait(t time.Duration) Option {
	return func(o *Options) error { o.ReconnectWait = t; return nil }
}

func ReconnectJitter(jitter, jitterTLS time.Duration) Option {
	return func(o *Options) error { o.ReconnectJitter, o.ReconnectJitterTLS = jitter, jitterTLS; return nil }
}

func MaxReconnects(n int) Option {
	return func(o *Options) error { o.MaxReconnect = n; return nil }
}

func NoReconnect() Option {
	return func(o *Options) error { o.AllowReconnect = false; return nil }
}

func ReconnectBufSize(size int) Option {
	return func(o *Options) error { o.ReconnectBufSize = size; return nil }
}

func PingInterval(t time.Duration) Option {
	return func(o *Options) error { o.PingInterval = t; return nil }
}

func MaxPingsOutstanding(n int) Option {
	return func(o *Options) error { o.MaxPingsOut = n; return nil }
}

func UserInfo(user, password string) Option {
	return func(o *Options) error { o.User, o.Password = user, password; return nil }
}

func Token(token string) Option {
	return func(o *Options) error { o.Token = token; return nil }
}

func Secure(tc *tls.Config) Option {
	return func(o *Options) error {
		o.Secure = true
		if tc != nil {
			o.TLSConfig = tc
		}
		return nil
	}
}

func NoEcho() Option {
	return func(o *Options) error { o.NoEcho = true; return nil }
}

func DisableNoResponders() Option {
	return func(o *Options) error { o.NoResponders = true; return nil }
}

func WriteDeadline(t time.Duration) Option {
	return func(o *Options) error { o.WriteDeadline = t; return nil }
}

func FailRequestsOnDisconnect() Option {
	return func(o *Options) error { o.FailRequestsOnDisconnect = true; return nil }
}

func SubPendingLimits(msgLimit, byteLimit int) Option {
	return func(o *Options) error { o.SubPendingMsgsLimit, o.SubPendingBytesLimit = msgLimit, byteLimit; return nil }
}

func ClosedHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

func DisconnectErrHandler(cb ConnErrHandler) Option {
	return func(o *Options) error { o.DisconnectedCB = cb; return nil }
}

func ReconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

func ErrorHandler(cb ErrHandler) Option {
	return func(o *Options) error { o.AsyncErrorCB = cb; return nil }
}

// Stats tracks message/byte counters for a connection.
type Stats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

type serverInfo struct {
	ID           string   `json:"server_id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	MaxPayload   int64    `json:"max_payload"`
	Proto        int      `json:"proto"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
	HeadersOk    bool     `json:"headers,omitempty"`
}

type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	User         string `json:"user,omitempty"`
	Pass         string `json:"pass,omitempty"`
	Auth         string `json:"auth_token,omitempty"`
	TLS          bool   `json:"tls_required"`
	Name         string `json:"name,omitempty"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Echo         bool   `json:"echo"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
	Nkey         string `json:"nkey,omitempty"`
	JWT          string `json:"jwt,omitempty"`
	Sig          string `json:"sig,omitempty"`
}

// Conn owns the socket, server list, subscription registry, and write
// buffer for one connection.
type Conn struct {
	Stats

	mu   sync.Mutex
	Opts Options

	pool *srvPool
	cur  *srv

	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader

	pending *bytes.Buffer // accumulates writes while Connecting/reconnecting
	ps      *parser

	fch chan struct{}

	info serverInfo

	subs *subscriptions

	pongs []chan error

	status Status
	err    error

	resp *respInbox

	closeCh chan struct{}
	drainCh chan struct{}

	jsAPIPrefix string // not assigned anywhere; each JetStream context keeps its own API prefix in js.pre
}

// Connect opens a connection using the convenience DefaultOptions.
func Connect(urls string, options ...Option) (*Conn, error) {
	opts := DefaultOptions
	opts.Servers = urls
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}
	return opts.Connect()
}

// Connect dials using a fully custom Options value.
func (o Options) Connect() (*Conn, error) {
	nc := &Conn{
		Opts:    o,
		subs:    newSubscriptions(),
		status:  Disconnected,
		closeCh: make(chan struct{}),
	}
	pool, err := newSrvPool(o.Servers, o.NoRandomize)
	if err != nil {
		return nil, err
	}
	nc.pool = pool
	nc.ps = newParser(nc)

	if err := nc.connect(); err != nil {
		return nil, err
	}
	return nc, nil
}

// connect tries each server in the pool in order. It fails with
// ErrNoServers only once every server has failed at least once.
func (nc *Conn) connect() error {
	nc.mu.Lock()
	nc.status = Connecting
	nc.mu.Unlock()

	var lastErr error
	for {
		s := nc.pool.current()
		if s == nil {
			break
		}
		nc.cur = s
		if err := nc.tryConnect(s); err != nil {
			lastErr = err
			// Initial connect drops a server after a single failure
			// regardless of Opts.MaxReconnect, which only governs
			// retries once a connection has actually been established
			// (doReconnect uses it instead).
			if nc.pool.next(0) == nil {
				break
			}
			continue
		}
		nc.mu.Lock()
		nc.status = Connected
		nc.mu.Unlock()
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoServers
	}
	nc.mu.Lock()
	nc.status = Closed
	nc.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrNoServers, lastErr)
}

// tryConnect performs the INFO -> CONNECT -> PING -> PONG handshake
// against one server within Opts.Timeout.
func (nc *Conn) tryConnect(s *srv) error {
	timeout := nc.Opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.DialTimeout("tcp", s.url.Host, timeout)
	if err != nil {
		return err
	}
	nc.conn = conn
	nc.bw = bufio.NewWriterSize(conn, defaultBufSize)
	nc.br = bufio.NewReaderSize(conn, defaultBufSize)

	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	line, err := nc.br.ReadString('\n')
	if err != nil {
		conn.Close()
		return err
	}
	info, err := parseInfoLine(line)
	if err != nil {
		conn.Close()
		return err
	}
	nc.info = info
	nc.pool.mergeDiscovered(info.ConnectURLs)

	if nc.Opts.Secure && !info.TLSRequired {
		// Best-effort: client wants TLS, server didn't require it; we
		// still upgrade if a TLSConfig was supplied.
	}
	if info.TLSRequired && !nc.Opts.Secure {
		conn.Close()
		return ErrSecureConnRequired
	}
	if nc.Opts.Secure {
		tlsConn := tls.Client(conn, nc.tlsConfig(s))
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		nc.conn = tlsConn
		nc.bw = bufio.NewWriterSize(tlsConn, defaultBufSize)
		nc.br = bufio.NewReaderSize(tlsConn, defaultBufSize)
	}

	if err := nc.sendConnect(); err != nil {
		conn.Close()
		return err
	}
	// The reader goroutine is not running yet, so the PONG answering
	// sendConnect's PING is read here, under the same read deadline.
	err = nc.bw.Flush()
	for err == nil {
		pl, rerr := nc.br.ReadString('\n')
		pl = trimCRLFStr(pl)
		if rerr != nil {
			err = rerr
		} else if len(pl) >= 4 && containsFold(pl[:4], "-ERR") {
			err = fmt.Errorf("nats: %s", trimQuotes(string(bytes.TrimSpace([]byte(pl[4:])))))
		} else if pl == "PONG" {
			break
		}
	}
	if err != nil {
		conn.Close()
		return err
	}

	nc.spinUpReaderWriter()
	return nil
}

func (nc *Conn) tlsConfig(s *srv) *tls.Config {
	cfg := nc.Opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == _EMPTY_ {
		cfg.ServerName = s.url.Hostname()
	}
	return cfg
}

// parseInfoLine parses the literal "INFO {...}\r\n" line read during
// the handshake.
func parseInfoLine(line string) (serverInfo, error) {
	line = trimCRLFStr(line)
	const prefix = "INFO "
	if len(line) <= len(prefix) {
		return serverInfo{}, ErrHandshakeFailed
	}
	var info serverInfo
	if err := json.Unmarshal([]byte(line[len(prefix):]), &info); err != nil {
		return serverInfo{}, err
	}
	return info, nil
}

func trimCRLFStr(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// sendConnect writes the CONNECT frame.
func (nc *Conn) sendConnect() error {
	ci := connectInfo{
		Verbose:      nc.Opts.Verbose,
		Pedantic:     nc.Opts.Pedantic,
		User:         nc.Opts.User,
		Pass:         nc.Opts.Password,
		Auth:         nc.Opts.Token,
		TLS:          nc.Opts.Secure,
		Name:         nc.Opts.Name,
		Lang:         "go",
		Version:      Version,
		Protocol:     1,
		Echo:         !nc.Opts.NoEcho,
		Headers:      true,
		NoResponders: !nc.Opts.NoResponders,
		Nkey:         nc.Opts.Nkey,
	}
	if nc.Opts.UserJWT != nil {
		jwtStr, err := nc.Opts.UserJWT()
		if err != nil {
			return err
		}
		ci.JWT = jwtStr
	}
	if nc.Opts.SignatureCB != nil && nc.info.Nonce != _EMPTY_ {
		sig, err := nc.Opts.sign([]byte(nc.info.Nonce))
		if err != nil {
			return err
		}
		ci.Sig = encodeSig(sig)
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	if _, err := nc.bw.WriteString("CONNECT "); err != nil {
		return err
	}
	if _, err := nc.bw.Write(b); err != nil {
		return err
	}
	_, err = nc.bw.WriteString("\r\nPING\r\n")
	return err
}

func encodeSig(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// spinUpReaderWriter launches the reader and flusher goroutines and
// the PING-liveness timer.
func (nc *Conn) spinUpReaderWriter() {
	nc.fch = make(chan struct{}, 1)
	go nc.readLoop()
	go nc.flusher()
	go nc.pingTimer()
}

// --- Component C: outgoing framer ---

// publish validates the subject, frames PUB/HPUB, and kicks the
// flusher.
func (nc *Conn) publish(subj, reply string, header http.Header, data []byte) error {
	if err := validateSubject(subj); err != nil {
		return err
	}

	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.status == DrainingPubs {
		nc.mu.Unlock()
		return ErrConnectionDraining
	}

	var hdrBytes []byte
	if len(header) > 0 {
		hdrBytes = encodeHeaders(header)
	}

	if nc.info.MaxPayload > 0 && int64(len(hdrBytes)+len(data)) > nc.info.MaxPayload {
		nc.mu.Unlock()
		return ErrMaxPayload
	}

	w := nc.bw
	if nc.status == Connecting {
		if nc.pending == nil {
			nc.pending = &bytes.Buffer{}
		}
		if nc.Opts.ReconnectBufSize > 0 && nc.pending.Len()+len(data) > nc.Opts.ReconnectBufSize {
			nc.mu.Unlock()
			return ErrReconnectBufExceeded
		}
		w = bufio.NewWriter(nc.pending)
	}

	if hdrBytes != nil {
		fmt.Fprintf(w, "HPUB %s %s%d %d\r\n", subj, replyField(reply), len(hdrBytes), len(hdrBytes)+len(data))
		w.Write(hdrBytes)
	} else {
		fmt.Fprintf(w, "PUB %s %s%d\r\n", subj, replyField(reply), len(data))
	}
	w.Write(data)
	w.WriteString("\r\n")
	if nc.status == Connecting {
		w.Flush()
	}

	nc.OutMsgs++
	nc.OutBytes += uint64(len(data))
	nc.mu.Unlock()

	nc.kickFlusher()
	return nil
}

func replyField(reply string) string {
	if reply == _EMPTY_ {
		return _EMPTY_
	}
	return reply + " "
}

// Publish publishes data to subj.
func (nc *Conn) Publish(subj string, data []byte) error {
	return nc.publish(subj, _EMPTY_, nil, data)
}

// PublishMsg publishes a pre-built Msg (subject, reply, headers).
func (nc *Conn) PublishMsg(m *Msg) error {
	return nc.publish(m.Subject, m.Reply, m.Header, m.Data)
}

// PublishRequest publishes data to subj expecting replies on reply,
// without waiting for one inline.
func (nc *Conn) PublishRequest(subj, reply string, data []byte) error {
	return nc.publish(subj, reply, nil, data)
}

func (nc *Conn) kickFlusher() {
	select {
	case nc.fch <- struct{}{}:
	default:
	}
}

// flusher drains the write buffer to the socket, coalescing writes.
func (nc *Conn) flusher() {
	for {
		_, ok := <-nc.fch
		if !ok {
			return
		}
		nc.mu.Lock()
		if nc.status != Connected && nc.status != DrainingSubs && nc.status != DrainingPubs {
			nc.mu.Unlock()
			continue
		}
		if nc.bw != nil && nc.bw.Buffered() > 0 {
			if err := nc.bw.Flush(); err != nil {
				nc.mu.Unlock()
				nc.handleReadError(err)
				continue
			}
		}
		nc.mu.Unlock()
	}
}

// --- Component D: flush / PING-PONG liveness ---

// Flush performs a PING/PONG round trip with a 60s default timeout.
func (nc *Conn) Flush() error {
	return nc.FlushTimeout(60 * time.Second)
}

// FlushTimeout is Flush with an explicit deadline.
func (nc *Conn) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	return nc.flushTimeoutLocked(timeout)
}

func (nc *Conn) flushTimeoutLocked(timeout time.Duration) error {
	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	ch := make(chan error, 1)
	nc.pongs = append(nc.pongs, ch)
	if nc.bw != nil {
		nc.bw.WriteString("PING\r\n")
		nc.bw.Flush()
	}
	nc.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		return err
	case <-t.C:
		nc.removePong(ch)
		return ErrTimeout
	case <-nc.closedCh():
		return ErrConnectionClosed
	}
}

func (nc *Conn) removePong(ch chan error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for i, c := range nc.pongs {
		if c == ch {
			nc.pongs = append(nc.pongs[:i], nc.pongs[i+1:]...)
			return
		}
	}
}

func (nc *Conn) closedCh() <-chan struct{} {
	return nc.closeCh
}

// pingTimer emits a PING every PingInterval; max_pings_out consecutive
// unanswered PINGs mark the connection stale and trigger a reconnect.
func (nc *Conn) pingTimer() {
	interval := nc.Opts.PingInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	outstanding := 0
	for {
		select {
		case <-t.C:
			nc.mu.Lock()
			if nc.status != Connected {
				nc.mu.Unlock()
				continue
			}
			outstanding++
			if nc.Opts.MaxPingsOut > 0 && outstanding > nc.Opts.MaxPingsOut {
				nc.mu.Unlock()
				nc.handleReadError(ErrStaleConnection)
				return
			}
			ch := make(chan error, 1)
			nc.pongs = append(nc.pongs, ch)
			if nc.bw != nil {
				nc.bw.WriteString("PING\r\n")
			}
			nc.mu.Unlock()
			nc.kickFlusher()
			go func() {
				select {
				case <-ch:
					outstanding = 0
				case <-time.After(interval):
				case <-nc.closedCh():
				}
			}()
		case <-nc.closedCh():
			return
		}
	}
}

// --- reader loop & protoHandler implementation (component B wiring) ---

func (nc *Conn) readLoop() {
	for {
		nc.mu.Lock()
		br := nc.br
		closed := nc.status == Closed
		nc.mu.Unlock()
		if closed || br == nil {
			return
		}

		buf := make([]byte, defaultBufSize)
		n, err := br.Read(buf)
		if n > 0 {
			nc.mu.Lock()
			nc.InBytes += uint64(n)
			nc.mu.Unlock()
			if perr := nc.ps.parse(buf[:n]); perr != nil {
				nc.handleReadError(perr)
				return
			}
		}
		if err != nil {
			nc.handleReadError(err)
			return
		}
	}
}

// handleReadError reconnects on any I/O or protocol error while the
// connection is Connected or draining. It does nothing if the
// connection is already Closed or reconnecting, and closes it instead
// when reconnects are disallowed.
func (nc *Conn) handleReadError(err error) {
	nc.mu.Lock()
	if nc.status == Closed || nc.status == Connecting {
		nc.mu.Unlock()
		return
	}
	if !nc.Opts.AllowReconnect {
		nc.mu.Unlock()
		nc.Close()
		return
	}
	nc.status = Connecting
	if nc.conn != nil {
		nc.conn.Close()
	}
	cb := nc.Opts.DisconnectedCB
	nc.mu.Unlock()

	if cb != nil {
		go cb(nc, err)
	}
	go nc.doReconnect()
}

func (nc *Conn) processInfo(raw []byte) {
	var info serverInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return
	}
	nc.mu.Lock()
	nc.info = info
	nc.mu.Unlock()
	// mid-stream INFO may update the discovered server list; tls hints
	// are intentionally not re-honored on the live connection.
	nc.pool.mergeDiscovered(info.ConnectURLs)
}

func (nc *Conn) processMsg(subj, reply []byte, sid uint64, header, payload []byte) {
	nc.mu.Lock()
	nc.InMsgs++
	sub := nc.subs.get(sid)
	nc.mu.Unlock()
	if sub == nil {
		return
	}

	m := &Msg{
		Subject:  string(subj),
		Sub:      sub,
		Data:     payload[:len(payload):len(payload)],
		Received: time.Now(),
	}
	if len(reply) > 0 {
		m.Reply = string(reply)
	}
	if header != nil {
		h, _ := decodeHeaders(header)
		m.Header = h
	}

	if r := nc.resp; r != nil && r.sub == sub {
		r.deliver(m.Subject, m)
		return
	}

	if sub.jsi != nil && nc.handleJSControl(sub, m) {
		return
	}

	if sub.jsi != nil && m.Reply != _EMPTY_ {
		if seq, ok := ackReplyStreamSeq(m.Reply); ok {
			sub.mu.Lock()
			gap := sub.jsi.checkSequence(seq)
			async := sub.mcb != nil
			if gap != nil && !async {
				sub.seqErr = true
			}
			sub.mu.Unlock()
			if gap != nil && async {
				nc.notifyAsyncError(sub, gap)
			}
		}
	}

	sub.enqueue(m)
}

func (nc *Conn) processPing() {
	nc.mu.Lock()
	if nc.bw != nil {
		nc.bw.WriteString("PONG\r\n")
	}
	nc.mu.Unlock()
	nc.kickFlusher()
}

func (nc *Conn) processPong() {
	nc.mu.Lock()
	var ch chan error
	if len(nc.pongs) > 0 {
		ch = nc.pongs[0]
		nc.pongs = nc.pongs[1:]
	}
	nc.mu.Unlock()
	if ch != nil {
		ch <- nil
	}
}

func (nc *Conn) processOK() {}

func (nc *Conn) processErr(text []byte) {
	msg := string(text)
	err := fmt.Errorf("nats: %s", trimQuotes(msg))
	if containsFold(msg, "AUTHORIZATION") {
		nc.mu.Lock()
		nc.err = ErrAuthorization
		nc.mu.Unlock()
		nc.Close()
		return
	}
	nc.handleReadError(err)
}

func (nc *Conn) processParseErr(err error) {
	nc.handleReadError(err)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func containsFold(s, sub string) bool {
	return bytes.Contains(bytes.ToUpper([]byte(s)), bytes.ToUpper([]byte(sub)))
}

// notifyAsyncError invokes the user's async error handler off the
// reader/writer/timer tasks.
func (nc *Conn) notifyAsyncError(sub *Subscription, err error) {
	nc.mu.Lock()
	cb := nc.Opts.AsyncErrorCB
	nc.mu.Unlock()
	if cb != nil {
		go cb(nc, sub, err)
	}
}

// dispatch delivers the next queued message to an async subscription's
// handler. Invocations for one subscription are strictly serialized:
// each call to dispatch only starts a delivery goroutine if one is
// not already draining this sub's queue.
func (nc *Conn) dispatch(sub *Subscription) {
	sub.mu.Lock()
	if sub.dispatching {
		sub.mu.Unlock()
		return
	}
	sub.dispatching = true
	ch := sub.mch
	sub.mu.Unlock()

	go func() {
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				if sub.dequeue(m) {
					sub.mu.Lock()
					cb := sub.mcb
					sub.mu.Unlock()
					if cb != nil {
						cb(m)
					}
				}
			default:
				sub.mu.Lock()
				sub.dispatching = false
				sub.mu.Unlock()
				return
			}
		}
	}()
}

// --- Component E: subscribe / unsubscribe ---

// subscribe is the shared low-level entry point used by Subscribe,
// SubscribeSync, QueueSubscribe, ChanSubscribe, and the JetStream
// layer (js.go calls nc.subscribe directly).
func (nc *Conn) subscribe(subj, queue string, cb MsgHandler, ch chan *Msg, isSync bool, jsi *jsSub) (*Subscription, error) {
	if err := validateSubject(subj); err != nil {
		return nil, err
	}

	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	sid := nc.subs.newSid()
	sub := newSubscription(nc, sid, subj, queue, syncMode, cb)
	switch {
	case ch != nil:
		sub.mch = ch
	case cb != nil:
		chanLen := nc.Opts.SubChanLen
		if chanLen <= 0 {
			chanLen = maxChanLen
		}
		sub.mch = make(chan *Msg, chanLen)
	}
	if cb != nil {
		sub.mode = asyncMode
	}
	if jsi != nil {
		sub.mode = jetstreamMode
		sub.jsi = jsi
	}
	nc.subs.add(sub)

	if nc.bw != nil && nc.status == Connected {
		writeSub(nc.bw, subj, queue, sid)
	}
	nc.mu.Unlock()
	nc.kickFlusher()

	_ = isSync
	return sub, nil
}

func writeSub(w *bufio.Writer, subj, queue string, sid uint64) {
	if queue != _EMPTY_ {
		fmt.Fprintf(w, "SUB %s %s %d\r\n", subj, queue, sid)
	} else {
		fmt.Fprintf(w, "SUB %s %d\r\n", subj, sid)
	}
}

// Subscribe expresses interest in subj, delivering to cb
// asynchronously.
func (nc *Conn) Subscribe(subj string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, _EMPTY_, cb, nil, false, nil)
}

// SubscribeSync is a synchronous subscription polled via NextMsg.
func (nc *Conn) SubscribeSync(subj string) (*Subscription, error) {
	ch := make(chan *Msg, nc.Opts.SubChanLen)
	return nc.subscribe(subj, _EMPTY_, nil, ch, true, nil)
}

// QueueSubscribe creates an asynchronous queue subscriber.
func (nc *Conn) QueueSubscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, queue, cb, nil, false, nil)
}

// QueueSubscribeSync creates a synchronous queue subscriber.
func (nc *Conn) QueueSubscribeSync(subj, queue string) (*Subscription, error) {
	ch := make(chan *Msg, nc.Opts.SubChanLen)
	return nc.subscribe(subj, queue, nil, ch, true, nil)
}

// ChanSubscribe delivers messages to a caller-owned channel.
func (nc *Conn) ChanSubscribe(subj string, ch chan *Msg) (*Subscription, error) {
	return nc.subscribe(subj, _EMPTY_, nil, ch, true, nil)
}

// unsubscribe performs the low-level UNSUB.
func (nc *Conn) unsubscribe(sub *Subscription, max int) error {
	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	s := nc.subs.get(sub.sid)
	if s == nil {
		nc.mu.Unlock()
		return nil
	}

	maxStr := _EMPTY_
	if max > 0 {
		s.mu.Lock()
		s.max = uint64(max)
		s.mu.Unlock()
		maxStr = strconv.Itoa(max)
	} else {
		nc.subs.remove(s.sid)
		s.close()
		if s.jsi != nil && s.jsi.deleteConsumerOnUnsub {
			go s.jsi.deleteConsumer()
		}
	}

	if nc.bw != nil && nc.status == Connected {
		if maxStr != _EMPTY_ {
			fmt.Fprintf(nc.bw, "UNSUB %d %s\r\n", s.sid, maxStr)
		} else {
			fmt.Fprintf(nc.bw, "UNSUB %d\r\n", s.sid)
		}
	}
	nc.mu.Unlock()
	nc.kickFlusher()
	return nil
}

// replaySubscriptions re-issues SUB (and residual UNSUB for
// auto-unsubscribe subs) for every open subscription after a
// reconnect.
func (nc *Conn) replaySubscriptions() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for _, s := range nc.subs.all() {
		s.mu.Lock()
		subj, queue, sid, max, delivered := s.Subject, s.Queue, s.sid, s.max, s.delivered
		s.mu.Unlock()
		writeSub(nc.bw, subj, queue, sid)
		if max > 0 {
			residual := int64(max) - int64(delivered)
			if residual < 0 {
				residual = 0
			}
			fmt.Fprintf(nc.bw, "UNSUB %d %d\r\n", sid, residual)
		}
	}
}

// --- reconnection ---

func (nc *Conn) doReconnect() {
	for {
		s := nc.pool.current()
		if s == nil {
			nc.mu.Lock()
			nc.status = Closed
			cb := nc.Opts.ClosedCB
			nc.mu.Unlock()
			close(nc.closeCh)
			if cb != nil {
				cb(nc)
			}
			return
		}

		jitter := nc.Opts.ReconnectJitter
		if nc.Opts.Secure {
			jitter = nc.Opts.ReconnectJitterTLS
		}
		wait := nc.Opts.ReconnectWait
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		time.Sleep(wait)

		nc.cur = s
		if err := nc.tryConnect(s); err != nil {
			if nc.pool.next(nc.Opts.MaxReconnect) == nil {
				continue // loop will hit the "no servers" branch above
			}
			continue
		}

		nc.mu.Lock()
		nc.status = Connected
		nc.Reconnects++
		nc.replayPendingLocked()
		cb := nc.Opts.ReconnectedCB
		nc.mu.Unlock()

		nc.replaySubscriptions()
		nc.kickFlusher()
		nc.Flush()

		if cb != nil {
			cb(nc)
		}
		return
	}
}

// replayPendingLocked flushes anything buffered in nc.pending (writes
// accepted while Connecting) onto the live write buffer. Caller holds
// nc.mu.
func (nc *Conn) replayPendingLocked() {
	if nc.pending == nil {
		return
	}
	if nc.pending.Len() > 0 && nc.bw != nil {
		nc.bw.Write(nc.pending.Bytes())
	}
	nc.pending = nil
}

// --- close / drain ---

// Close closes the connection immediately, releasing all blocked
// calls.
func (nc *Conn) Close() {
	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return
	}
	nc.status = Closed
	for _, ch := range nc.pongs {
		ch <- ErrConnectionClosed
	}
	nc.pongs = nil
	subs := nc.subs.all()
	nc.subs = newSubscriptions()
	if nc.bw != nil {
		nc.bw.Flush()
	}
	if nc.conn != nil {
		nc.conn.Close()
	}
	cb := nc.Opts.ClosedCB
	nc.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	select {
	case <-nc.closeCh:
	default:
		close(nc.closeCh)
	}
	if cb != nil {
		cb(nc)
	}
}

// Drain puts the connection into DrainingSubs and unsubscribes every
// open subscription, which removes it from the registry at once;
// messages already queued on a subscription are not waited for. It
// then enters DrainingPubs, flushes outstanding publishes and closes
// the connection, all bounded by timeout.
func (nc *Conn) Drain() error {
	return nc.DrainTimeout(30 * time.Second)
}

// DrainTimeout is Drain with an explicit deadline.
func (nc *Conn) DrainTimeout(timeout time.Duration) error {
	nc.mu.Lock()
	if nc.status == Closed {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	nc.status = DrainingSubs
	subs := nc.subs.all()
	nc.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	deadline := time.Now().Add(timeout)
	for {
		nc.mu.Lock()
		pending := len(nc.subs.bySid)
		nc.mu.Unlock()
		if pending == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	nc.mu.Lock()
	nc.status = DrainingPubs
	nc.mu.Unlock()

	if err := nc.FlushTimeout(time.Until(deadline)); err != nil && !errors.Is(err, ErrTimeout) {
		nc.Close()
		return err
	}
	if time.Now().After(deadline) {
		nc.Close()
		return ErrDrainTimeout
	}
	nc.Close()
	return nil
}

// LastError reports the last error recorded on this connection.
func (nc *Conn) LastError() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.err
}

// Status reports the current connection state.
func (nc *Conn) Status() Status {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.status
}

// IsConnected reports whether the connection is currently Connected.
func (nc *Conn) IsConnected() bool {
	return nc.Status() == Connected
}

// IsClosed reports whether the connection is Closed.
func (nc *Conn) IsClosed() bool {
	return nc.Status() == Closed
}

// --- subject validation ---

func validateSubject(subj string) error {
	if subj == _EMPTY_ {
		return ErrInvalidSubject
	}
	start := 0
	n := len(subj)
	for i := 0; i <= n; i++ {
		if i == n || subj[i] == '.' {
			tok := subj[start:i]
			if tok == _EMPTY_ {
				return ErrInvalidSubject
			}
			if tok == ">" && i != n {
				return ErrInvalidSubject
			}
			for _, r := range tok {
				if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
					return ErrInvalidSubject
				}
			}
			start = i + 1
		}
	}
	return nil
}
