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
	"net/http"
	"strconv"
	"time"
)

// Msg is the tuple of subject, optional reply subject, optional
// header multimap, and byte payload delivered to subscribers. Header
// uses net/http.Header (an ASCII-insensitive multimap of ordered
// values) to match the JetStream publish path in js.go, which already
// sets fields via m.Header.Set.
type Msg struct {
	Subject string
	Reply   string
	Header  http.Header
	Data    []byte
	Sub     *Subscription

	// Received is set for messages that arrived from the server; it
	// carries the delivery timestamp.
	Received time.Time
}

const (
	hdrLine       = "NATS/1.0\r\n"
	statusHdr     = "Status"
	descrHdr      = "Description"
	noResponders  = "503"
)

// decodeHeaders parses the wire header block produced by HMSG: an
// optional status line, then case-insensitive Name: value pairs
// terminated by a blank line.
func decodeHeaders(raw []byte) (http.Header, error) {
	h := make(http.Header)
	if len(raw) == 0 {
		return h, nil
	}
	lines := bytes.Split(raw, []byte("\r\n"))
	start := 0
	if len(lines) > 0 && bytes.HasPrefix(lines[0], []byte("NATS/1.0")) {
		rest := bytes.TrimSpace(bytes.TrimPrefix(lines[0], []byte("NATS/1.0")))
		if len(rest) > 0 {
			fields := bytes.Fields(rest)
			if len(fields) > 0 {
				h.Set(statusHdr, string(fields[0]))
			}
			if len(fields) > 1 {
				h.Set(descrHdr, string(bytes.Join(fields[1:], []byte(" "))))
			}
		}
		start = 1
	}
	for _, line := range lines[start:] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := string(bytes.TrimSpace(line[:idx]))
		val := string(bytes.TrimSpace(line[idx+1:]))
		h.Add(name, val)
	}
	return h, nil
}

// encodeHeaders serializes a header multimap into the HPUB wire
// format, returning the header section including its trailing blank
// line.
func encodeHeaders(h http.Header) []byte {
	var buf bytes.Buffer
	buf.WriteString(hdrLine)
	for name, values := range h {
		if name == statusHdr || name == descrHdr {
			continue
		}
		for _, v := range values {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// isNoResponders reports whether this HMSG is the synthetic empty
// reply the server sends when a request has no subscribers and the
// client advertised the no-responders header.
func (m *Msg) isNoResponders() bool {
	return len(m.Data) == 0 && m.Header != nil && m.Header.Get(statusHdr) == noResponders
}

// statusCode returns the numeric status header, or 0 if absent or
// unparseable (used for JetStream pull-fetch 404/408 handling).
func (m *Msg) statusCode() int {
	if m.Header == nil {
		return 0
	}
	n, _ := strconv.Atoi(m.Header.Get(statusHdr))
	return n
}
