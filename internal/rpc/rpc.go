package rpc

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle of one RPC round trip. INITED and STARTED are
// transient; the rest are terminal.
type Status string

const (
	StatusInited      Status = "INITED"
	StatusStarted     Status = "STARTED"
	StatusSuccess     Status = "SUCCESS"
	StatusFailConn    Status = "FAIL_CONN"
	StatusFailPublish Status = "FAIL_PUBLISH"
	StatusRemoteError Status = "REMOTE_ERROR"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailConn, StatusFailPublish, StatusRemoteError:
		return true
	}
	return false
}

// ProfileRequest asks the identity service for a projection of the given
// profiles. Fields limits the attributes returned; an empty list means all
// public attributes.
type ProfileRequest struct {
	IDs    []int64  `json:"ids"`
	Fields []string `json:"fields"`
}

// Envelope is the wire shape of every reply.
type Envelope struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EncodeRequest marshals a profile request body.
func EncodeRequest(req *ProfileRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}
	return body, nil
}

// DecodeRequest unmarshals a profile request body.
func DecodeRequest(body []byte) (*ProfileRequest, error) {
	var req ProfileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode rpc request: %w", err)
	}
	return &req, nil
}

// EncodeEnvelope marshals a reply envelope.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode rpc reply: %w", err)
	}
	return body, nil
}

// encodeResult marshals a reply result payload.
func encodeResult(v interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode rpc result: %w", err)
	}
	return body, nil
}

// DecodeEnvelope unmarshals a reply envelope.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode rpc reply: %w", err)
	}
	return &env, nil
}
