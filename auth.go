// Copyright 2019-2024 The NATS Authors
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
	"fmt"
	"os"
	"regexp"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"
)

// SignatureHandler signs the server's connect-time nonce with the
// client's private nkey, returning the raw signature bytes that go
// into the CONNECT frame's "sig" field.
type SignatureHandler func(nonce []byte) ([]byte, error)

var (
	userJWTRe  = regexp.MustCompile(`(?s)-----BEGIN NATS USER JWT-----\r?\n(.+)\r?\n------END NATS USER JWT------`)
	userSeedRe = regexp.MustCompile(`(?s)-----BEGIN USER NKEY SEED-----\r?\n(.+)\r?\n------END USER NKEY SEED------`)
)

// Nkey configures CONNECT-time nkey challenge/response auth: pubKey is
// sent verbatim, and sig, supplied by the caller, signs the server's
// nonce.
func Nkey(pubKey string, sig SignatureHandler) Option {
	return func(o *Options) error {
		o.Nkey = pubKey
		o.SignatureCB = sig
		return nil
	}
}

// UserCredentials configures auth from a ".creds" file containing a
// decorated user JWT and nkey seed. It uses github.com/nats-io/jwt/v2
// and github.com/nats-io/nkeys to extract and sign with the embedded
// seed.
func UserCredentials(credsFile string) Option {
	return func(o *Options) error {
		data, err := os.ReadFile(credsFile)
		if err != nil {
			return fmt.Errorf("nats: reading credentials file: %w", err)
		}
		userJWT, seed, err := parseCreds(data)
		if err != nil {
			return err
		}
		kp, err := nkeys.FromSeed(seed)
		if err != nil {
			return fmt.Errorf("nats: parsing user seed: %w", err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return err
		}
		o.UserJWT = func() (string, error) { return userJWT, nil }
		o.Nkey = pub
		o.SignatureCB = func(nonce []byte) ([]byte, error) { return kp.Sign(nonce) }
		return nil
	}
}

// parseCreds extracts the decorated JWT and nkey seed from a .creds
// file's two PEM-like blocks.
func parseCreds(data []byte) (userJWT string, seed []byte, err error) {
	jm := userJWTRe.FindSubmatch(data)
	if jm == nil {
		return "", nil, fmt.Errorf("nats: no user JWT found in credentials")
	}
	sm := userSeedRe.FindSubmatch(data)
	if sm == nil {
		return "", nil, fmt.Errorf("nats: no nkey seed found in credentials")
	}
	userJWT = string(jm[1])
	if _, err := jwt.DecodeUserClaims(userJWT); err != nil {
		return "", nil, fmt.Errorf("nats: invalid user JWT: %w", err)
	}
	return userJWT, sm[1], nil
}

// sign produces the base64-agnostic raw signature used in CONNECT's
// "sig" field for a given nonce, if nkey auth is configured.
func (o *Options) sign(nonce []byte) ([]byte, error) {
	if o.SignatureCB == nil {
		return nil, nil
	}
	return o.SignatureCB(nonce)
}
