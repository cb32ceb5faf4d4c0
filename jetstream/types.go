// Copyright 2020-2024 The NATS Authors
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

// Package jetstream holds the JSON wire-format types shared by the
// publish and subscribe paths of the JetStream context. It is
// factored out of the RPC-calling code in the parent package: pure
// data, no behavior.
package jetstream

import "time"

// APIError is the structured error the server returns for a failed
// JetStream API call.
type APIError struct {
	Code        int    `json:"code"`
	ErrCode     int    `json:"err_code,omitempty"`
	Description string `json:"description,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "jetstream: unknown error"
	}
	return e.Description
}

// APIResponse is embedded in every JetStream API reply.
type APIResponse struct {
	Type  string    `json:"type,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// AccountInfoResponse answers $JS.API.INFO.
type AccountInfoResponse struct {
	APIResponse
	Memory    uint64 `json:"memory"`
	Store     uint64 `json:"storage"`
	Streams   int    `json:"streams"`
	Consumers int    `json:"consumers"`
}

// PubAck is the server's acknowledgement of a successful JetStream
// publish.
type PubAck struct {
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PubAckResponse wraps PubAck with the shared error envelope.
type PubAckResponse struct {
	APIResponse
	*PubAck
}

// DeliverPolicy governs where in a stream a new consumer begins.
type DeliverPolicy int

const (
	DeliverAll DeliverPolicy = iota
	DeliverLast
	DeliverNew
	StartSequence
	StartTime
	DeliverLastPerSubject
)

// AckPolicy governs how a consumer's messages must be acknowledged.
type AckPolicy int

const (
	AckNone AckPolicy = iota
	AckAll
	AckExplicit
)

// ReplayPolicy governs delivery pacing relative to original publish
// times.
type ReplayPolicy int

const (
	ReplayInstant ReplayPolicy = iota
	ReplayOriginal
)

// RetentionPolicy governs when the server may discard stream
// messages.
type RetentionPolicy int

const (
	LimitsPolicy RetentionPolicy = iota
	InterestPolicy
	WorkQueuePolicy
)

// DiscardPolicy governs what happens when stream limits are reached.
type DiscardPolicy int

const (
	DiscardOld DiscardPolicy = iota
	DiscardNew
)

// StorageType selects the stream's backing storage.
type StorageType int

const (
	FileStorage StorageType = iota
	MemoryStorage
)

// StreamConfig configures a stream via $JS.API.STREAM.CREATE.
type StreamConfig struct {
	Name         string          `json:"name"`
	Subjects     []string        `json:"subjects,omitempty"`
	Retention    RetentionPolicy `json:"retention"`
	MaxConsumers int             `json:"max_consumers"`
	MaxMsgs      int64           `json:"max_msgs"`
	MaxBytes     int64           `json:"max_bytes"`
	MaxAge       time.Duration   `json:"max_age"`
	MaxMsgSize   int32           `json:"max_msg_size,omitempty"`
	Storage      StorageType     `json:"storage"`
	Discard      DiscardPolicy   `json:"discard"`
	Replicas     int             `json:"num_replicas"`
	Duplicates   time.Duration   `json:"duplicate_window,omitempty"`
}

// StreamState reports the current counters for a stream.
type StreamState struct {
	Msgs      uint64 `json:"messages"`
	Bytes     uint64 `json:"bytes"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	Consumers int    `json:"consumer_count"`
}

// StreamInfo answers $JS.API.STREAM.INFO.<stream>.
type StreamInfo struct {
	Config  StreamConfig `json:"config"`
	Created time.Time    `json:"created"`
	State   StreamState  `json:"state"`
}

// JSApiStreamNamesResponse answers $JS.API.STREAM.NAMES.
type JSApiStreamNamesResponse struct {
	APIResponse
	Streams []string `json:"streams"`
}

// JSApiStreamCreateResponse answers $JS.API.STREAM.CREATE.<stream>.
type JSApiStreamCreateResponse struct {
	APIResponse
	*StreamInfo
}

// JSApiStreamInfoResponse answers $JS.API.STREAM.INFO.<stream>.
type JSApiStreamInfoResponse struct {
	APIResponse
	*StreamInfo
}

// NextRequest is the payload for a pull-consumer
// $JS.API.CONSUMER.MSG.NEXT request.
type NextRequest struct {
	Batch   int           `json:"batch,omitempty"`
	Expires time.Duration `json:"expires,omitempty"`
	NoWait  bool          `json:"no_wait,omitempty"`
}
