// Package codec implements component A: the tag-dispatched payload envelope
// decoder and handler registry sitting at the front of every bidirectional
// RPC stream. It owns no session or domain state — it only recognizes a
// request-type string, checks the caller's authorization level against the
// handler's requirement, and invokes the registered handler.
package codec

import (
	"encoding/json"
	"time"
)

// AuthLevel is the authorization requirement a handler declares. None means
// unauthenticated connections may call it; Internal is reserved for
// Distro-protocol peer-to-peer traffic between cluster nodes.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthRead
	AuthWrite
	AuthInternal
)

// Metadata carries the envelope's out-of-band context: client IP and the
// request-id the dispatcher must echo back unchanged (spec 4.A step 5).
type Metadata struct {
	ClientIP  string            `json:"clientIp"`
	RequestID string            `json:"requestId"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Envelope is the self-describing message exchanged over the stream. Type
// is the sole dispatch key; Body is opaque until a handler unmarshals it
// into its own request struct.
type Envelope struct {
	Type     string          `json:"type"`
	Metadata Metadata        `json:"metadata"`
	Body     json.RawMessage `json:"body"`
}

// ResultCode mirrors the two wire-level outcomes every response carries,
// independent of the more granular error Code.
type ResultCode int

const (
	ResultSuccess ResultCode = 200
	ResultFail    ResultCode = 500
)

// Response is the outbound envelope shape every handler call produces,
// wrapped with the original request-id by the dispatcher.
type Response struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	ResultCode ResultCode      `json:"resultCode"`
	ErrorCode  int             `json:"errorCode,omitempty"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

func success(reqType, requestID string, body json.RawMessage, now time.Time) Response {
	return Response{
		Type:       reqType,
		RequestID:  requestID,
		ResultCode: ResultSuccess,
		Success:    true,
		Body:       body,
		Timestamp:  now.UnixMilli(),
	}
}

func failure(reqType, requestID string, errorCode int, message string, now time.Time) Response {
	return Response{
		Type:       reqType,
		RequestID:  requestID,
		ResultCode: ResultFail,
		ErrorCode:  errorCode,
		Success:    false,
		Message:    message,
		Timestamp:  now.UnixMilli(),
	}
}
