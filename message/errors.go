package message

import (
	"encoding/json"
	"fmt"
)

// TransportCloseError reports that the channel closed before a reply arrived.
// Problem is the transport's problem code; Options holds the raw close options
// when no problem code was given.
type TransportCloseError struct {
	Problem string
	Options map[string]any
}

func (e *TransportCloseError) Error() string {
	if e.Problem != "" {
		return "channel closed: " + e.Problem
	}
	if len(e.Options) > 0 {
		b, _ := json.Marshal(e.Options)
		return "channel closed: " + string(b)
	}
	return "channel closed"
}

// Reason returns the value a caller should see as the rejection reason:
// the problem code, or the raw options if there is none.
func (e *TransportCloseError) Reason() any {
	if e.Problem != "" {
		return e.Problem
	}
	return e.Options
}

// ProtocolError reports malformed framing or a malformed reply shape.
// Text is the decoded reply text when there was one.
type ProtocolError struct {
	Message string
	Text    string
}

func (e *ProtocolError) Error() string {
	if e.Text != "" {
		return "protocol error: " + e.Message + ": " + e.Text
	}
	return "protocol error: " + e.Message
}

// RemoteError carries the "error" field of a reply verbatim.
type RemoteError struct {
	Value any
}

// Name returns the error as a string. Varlink services send a qualified
// error name such as "org.varlink.service.MethodNotFound"; structured
// values are rendered as JSON.
func (e *RemoteError) Name() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	b, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Sprint(e.Value)
	}
	return string(b)
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Name()
}

// Well-known error names of the org.varlink.service interface.
const (
	ErrInterfaceNotFound = "org.varlink.service.InterfaceNotFound"
	ErrMethodNotFound    = "org.varlink.service.MethodNotFound"
	ErrInvalidParameter  = "org.varlink.service.InvalidParameter"
	ErrTimeout           = "org.varlink.service.Timeout"
	ErrRateLimited       = "org.varlink.service.RateLimited"
)
