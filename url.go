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
	"math/rand"
	"net/url"
	"strings"
)

// srv represents a known server endpoint.
type srv struct {
	url        *url.URL
	isImplicit bool // discovered via INFO rather than supplied by the user
	reconnects int
	tlsName    string
}

// srvPool is the ordered list of known servers; position 0 is always
// the current target.
type srvPool struct {
	servers     []*srv
	noRandomize bool
}

func newSrvPool(urlsCSV string, noRandomize bool) (*srvPool, error) {
	pool := &srvPool{noRandomize: noRandomize}
	for _, u := range strings.Split(urlsCSV, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		parsed, err := parseServerURL(u)
		if err != nil {
			return nil, err
		}
		pool.servers = append(pool.servers, &srv{url: parsed})
	}
	if len(pool.servers) == 0 {
		return nil, ErrNoServers
	}
	if !noRandomize {
		pool.shuffle()
	}
	return pool, nil
}

func parseServerURL(u string) (*url.URL, error) {
	if !strings.Contains(u, "://") {
		u = "nats://" + u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	if parsed.Port() == "" {
		host := parsed.Host
		if host == "" {
			host = parsed.Opaque
		}
		parsed.Host = host + ":4222"
	}
	return parsed, nil
}

// shuffle randomizes the explicit server order. Called once at pool
// creation, never on subsequent reconnects.
func (p *srvPool) shuffle() {
	rand.Shuffle(len(p.servers), func(i, j int) {
		p.servers[i], p.servers[j] = p.servers[j], p.servers[i]
	})
}

// current returns the server the connection should target next.
func (p *srvPool) current() *srv {
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[0]
}

// next rotates the pool for a reconnect attempt. A server whose
// reconnect counter has reached maxReconnect (unless maxReconnect < 0,
// meaning unbounded) is dropped instead of rotated to the tail.
func (p *srvPool) next(maxReconnect int) *srv {
	if len(p.servers) == 0 {
		return nil
	}
	cur := p.servers[0]
	rest := p.servers[1:]
	cur.reconnects++
	if maxReconnect >= 0 && cur.reconnects > maxReconnect {
		p.servers = rest
	} else {
		p.servers = append(rest, cur)
	}
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[0]
}

// exhausted reports whether the pool is empty, i.e. next has dropped
// every known server.
func (p *srvPool) exhausted() bool {
	return len(p.servers) == 0
}

func sameHostPort(a, b *url.URL) bool {
	return normalizeHost(a.Hostname()) == normalizeHost(b.Hostname()) && a.Port() == b.Port()
}

// normalizeHost treats localhost, 127.0.0.1, and [::1] as equivalent.
func normalizeHost(h string) string {
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return "localhost"
	default:
		return h
	}
}

// mergeDiscovered adds server URLs announced by the current server
// (via INFO connect_urls) that are not already known. Discovered
// (implicit) entries not named in the announcement are evicted unless
// they are the current target.
func (p *srvPool) mergeDiscovered(urls []string) {
	announced := make(map[string]*url.URL, len(urls))
	for _, u := range urls {
		parsed, err := parseServerURL(u)
		if err != nil {
			continue
		}
		announced[parsed.Host] = parsed
	}

	cur := p.current()
	kept := p.servers[:0:0]
	known := make(map[string]bool)
	for _, s := range p.servers {
		if s.isImplicit && s != cur {
			stillAnnounced := false
			for _, a := range announced {
				if sameHostPort(s.url, a) {
					stillAnnounced = true
					break
				}
			}
			if !stillAnnounced {
				continue // evict stale implicit entry
			}
		}
		kept = append(kept, s)
		for key := range announced {
			if sameHostPort(s.url, announced[key]) {
				known[key] = true
			}
		}
	}
	for key, u := range announced {
		if known[key] {
			continue
		}
		kept = append(kept, &srv{url: u, isImplicit: true})
	}
	p.servers = kept
}

// urls returns the current server URL strings in pool order, for
// tests and diagnostics.
func (p *srvPool) urls() []string {
	out := make([]string, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.url.String())
	}
	return out
}
