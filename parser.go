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
	"bytes"
	"fmt"
	"strconv"
)

// parser states: opStart detects the verb, opArgs collects its
// argument line until CRLF, opPayload counts out a MSG/HMSG payload,
// then opPayloadCR consumes its trailing CRLF before returning to
// opStart.
type parserState int

const (
	opStart parserState = iota
	opArgs     // collecting a control line (INFO/MSG/HMSG/-ERR args)
	opPayload  // collecting exactly ma.size bytes of MSG/HMSG payload
	opPayloadCR
)

type verb int

const (
	verbNone verb = iota
	verbInfo
	verbMsg
	verbHMsg
	verbPing
	verbPong
	verbOK
	verbErr
)

// protoHandler receives the typed events the parser produces: Info,
// Msg, HMsg, Ping, Pong, Ok, Err. *Conn implements this; a dispatch
// interface rather than a channel keeps the hot path allocation-free.
type protoHandler interface {
	processInfo(info []byte)
	processMsg(subj, reply []byte, sid uint64, header, payload []byte)
	processPing()
	processPong()
	processOK()
	processErr(text []byte)
	processParseErr(err error)
}

// msgArg holds the parsed fields of an in-flight MSG/HMSG control
// line.
type msgArg struct {
	subject []byte
	reply   []byte
	sid     uint64
	hdrLen  int
	size    int
}

// parser is a byte-fed state machine. When a full control line or
// payload arrives within a single parse() call it slices directly
// into the caller-supplied buffer (zero-copy: the read loop hands it
// a fresh buffer per socket read, so that slice stays valid for as
// long as the resulting Msg is alive). Only when a line or payload
// spans two calls to parse (a TCP read boundary fell mid-message) does
// the parser fall back to its own accumulation buffer, which costs one
// copy for that message only.
type parser struct {
	state  parserState
	verb   verb
	handle protoHandler

	verbAcc []byte // set only while accumulating a verb split across reads
	argAcc  []byte // set only while accumulating a split control line

	payAcc   []byte // set only while accumulating a split payload
	payRead  int
	ma       msgArg
}

func newParser(h protoHandler) *parser {
	return &parser{handle: h}
}

// parse feeds buf into the state machine, invoking protoHandler
// callbacks for every complete control verb discovered. It never
// blocks.
func (p *parser) parse(buf []byte) error {
	i := 0
	n := len(buf)

	for i < n {
		switch p.state {
		case opStart:
			rest := buf[i:]
			if len(p.verbAcc) == 0 && len(bytes.TrimSpace(rest)) == 0 {
				return nil
			}
			pre := len(p.verbAcc)
			acc := append(p.verbAcc, bytes.ToUpper(rest)...)
			v, adv, ok, more := detectVerb(acc)
			if more {
				// buf ended before enough bytes arrived to tell verbs
				// apart (e.g. a single "M" read could still become MSG);
				// hold what we have and wait for the next read, mirroring
				// opArgs' argAcc fallback for split control lines.
				p.verbAcc = acc
				return nil
			}
			if !ok {
				p.verbAcc = nil
				return p.fail(acc)
			}
			p.verb = v
			i += adv - pre
			p.verbAcc = nil
			p.state = opArgs
			p.argAcc = p.argAcc[:0]

		case opArgs:
			rest := buf[i:]
			if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
				var line []byte
				if len(p.argAcc) == 0 {
					line = rest[:idx]
				} else {
					p.argAcc = append(p.argAcc, rest[:idx]...)
					line = p.argAcc
				}
				line = trimCR(line)
				i += idx + 1
				if err := p.finishArgs(line); err != nil {
					return p.fail(line)
				}
			} else {
				p.argAcc = append(p.argAcc, rest...)
				return nil
			}

		case opPayload:
			need := p.ma.size - p.payRead
			rest := buf[i:]
			if p.payRead == 0 && len(rest) >= p.ma.size {
				// whole payload present in this call: zero-copy slice.
				p.deliver(rest[:p.ma.size])
				i += p.ma.size
				p.state = opPayloadCR
				continue
			}
			take := need
			if take > len(rest) {
				take = len(rest)
			}
			if p.payAcc == nil {
				p.payAcc = make([]byte, 0, p.ma.size)
				if p.payRead > 0 {
					return p.fail(rest) // unreachable: payRead>0 implies payAcc already set
				}
			}
			p.payAcc = append(p.payAcc, rest[:take]...)
			p.payRead += take
			i += take
			if p.payRead == p.ma.size {
				p.deliver(p.payAcc)
				p.state = opPayloadCR
			}

		case opPayloadCR:
			// consume the trailing CRLF after a payload.
			rest := buf[i:]
			idx := bytes.IndexByte(rest, '\n')
			if idx < 0 {
				return nil
			}
			i += idx + 1
			p.state = opStart
			p.payAcc = nil
			p.payRead = 0
			p.ma = msgArg{}
		}
	}
	return nil
}

// verbCandidate pairs a wire verb token with the verb it produces.
// bare ops (PING/PONG/+OK) need no trailing separator; the rest must
// be followed by whitespace before their argument line.
type verbCandidate struct {
	token string
	v     verb
	bare  bool
}

var verbCandidates = []verbCandidate{
	{"INFO", verbInfo, false},
	{"HMSG", verbHMsg, false},
	{"MSG", verbMsg, false},
	{"PING", verbPing, true},
	{"PONG", verbPong, true},
	{"+OK", verbOK, true},
	{"-ERR", verbErr, false},
}

// detectVerb identifies the control verb at the start of acc, which
// must already be upper-cased. It returns the number of bytes of acc
// to skip past the verb (and its separating whitespace, for
// non-bare ops). ok is false only once acc can no longer match any
// candidate; more is true when acc is still a proper prefix of at
// least one candidate and the caller should accumulate additional
// bytes (from a future read) before a verdict is possible — the same
// fallback opArgs already uses via argAcc for split control lines.
func detectVerb(acc []byte) (v verb, adv int, ok bool, more bool) {
	for _, c := range verbCandidates {
		tok := []byte(c.token)
		switch {
		case len(acc) < len(tok):
			if bytes.HasPrefix(tok, acc) {
				more = true
			}
		case bytes.HasPrefix(acc, tok):
			if c.bare {
				return c.v, len(tok), true, false
			}
			if len(acc) == len(tok) {
				more = true
				continue
			}
			if acc[len(tok)] == ' ' || acc[len(tok)] == '\t' {
				return c.v, len(tok) + 1, true, false
			}
		}
	}
	return verbNone, 0, false, more
}

// finishArgs is invoked once opArgs has assembled a full control line.
// For the bare verbs PING/PONG/+OK detectVerb stops right after the
// verb, so their line is empty and they are dispatched here like any
// other verb.
func (p *parser) finishArgs(line []byte) error {
	switch p.verb {
	case verbPing:
		p.handle.processPing()
		p.state = opStart
		return nil
	case verbPong:
		p.handle.processPong()
		p.state = opStart
		return nil
	case verbOK:
		p.handle.processOK()
		p.state = opStart
		return nil
	case verbInfo:
		p.handle.processInfo(append([]byte(nil), line...))
		p.state = opStart
		return nil
	case verbErr:
		p.handle.processErr(append([]byte(nil), line...))
		p.state = opStart
		return nil
	case verbMsg:
		if err := p.parseMsgArgs(line, false); err != nil {
			return err
		}
		p.beginPayload()
		return nil
	case verbHMsg:
		if err := p.parseMsgArgs(line, true); err != nil {
			return err
		}
		p.beginPayload()
		return nil
	default:
		return fmt.Errorf("nats: unexpected verb")
	}
}

func (p *parser) beginPayload() {
	p.payRead = 0
	p.payAcc = nil
	if p.ma.size == 0 {
		p.deliver(nil)
		p.state = opPayloadCR
		return
	}
	p.state = opPayload
}

// deliver hands a completed MSG/HMSG payload to the protoHandler.
// payload may be a zero-copy slice of the read buffer or the parser's
// own accumulation buffer; either way ownership transfers to the Msg
// the handler constructs.
func (p *parser) deliver(payload []byte) {
	var header []byte
	if p.ma.hdrLen > 0 && p.ma.hdrLen <= len(payload) {
		header = payload[:p.ma.hdrLen]
		payload = payload[p.ma.hdrLen:]
	}
	p.handle.processMsg(p.ma.subject, p.ma.reply, p.ma.sid, header, payload)
}

// parseMsgArgs parses the space-delimited MSG/HMSG argument line.
// MSG: subject sid [reply] size. HMSG: subject sid [reply] hdrLen
// totalLen. Subject/reply are copied out of the (possibly transient)
// line buffer since they must outlive the payload's own parse calls.
func (p *parser) parseMsgArgs(arg []byte, hasHeaders bool) error {
	fields := splitArgs(arg)
	get := func(b []byte) []byte { return append([]byte(nil), b...) }

	switch {
	case !hasHeaders && len(fields) == 3:
		sid, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		size, err := parseInt(fields[2])
		if err != nil {
			return err
		}
		p.ma = msgArg{subject: get(fields[0]), sid: sid, size: size}
	case !hasHeaders && len(fields) == 4:
		sid, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		size, err := parseInt(fields[3])
		if err != nil {
			return err
		}
		p.ma = msgArg{subject: get(fields[0]), reply: get(fields[2]), sid: sid, size: size}
	case hasHeaders && len(fields) == 4:
		sid, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		hdrLen, err := parseInt(fields[2])
		if err != nil {
			return err
		}
		total, err := parseInt(fields[3])
		if err != nil {
			return err
		}
		p.ma = msgArg{subject: get(fields[0]), sid: sid, hdrLen: hdrLen, size: total}
	case hasHeaders && len(fields) == 5:
		sid, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		hdrLen, err := parseInt(fields[3])
		if err != nil {
			return err
		}
		total, err := parseInt(fields[4])
		if err != nil {
			return err
		}
		p.ma = msgArg{subject: get(fields[0]), reply: get(fields[2]), sid: sid, hdrLen: hdrLen, size: total}
	default:
		return fmt.Errorf("nats: malformed msg arguments: %q", arg)
	}
	if p.ma.size < 0 || p.ma.hdrLen < 0 || p.ma.hdrLen > p.ma.size {
		return fmt.Errorf("nats: invalid msg size fields: %q", arg)
	}
	return nil
}

func (p *parser) fail(near []byte) error {
	snippet := near
	if len(snippet) > 32 {
		snippet = snippet[:32]
	}
	err := &ParseError{Op: string(snippet)}
	p.handle.processParseErr(err)
	p.state = opStart
	return err
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func splitArgs(arg []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, b := range arg {
		if b == ' ' || b == '\t' {
			if start >= 0 {
				fields = append(fields, arg[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, arg[start:])
	}
	return fields
}

func parseUint(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 10, 64)
}

func parseInt(b []byte) (int, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	return int(v), err
}
