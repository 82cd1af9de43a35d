// Package message defines the varlink messages exchanged between client and service.
//
// A request is the JSON object {"method": ..., "parameters": {...}} and a reply is
// either {"parameters": {...}} or {"error": ...}. Both travel as one JSON text
// followed by a single NUL byte (see package protocol).
package message

import "encoding/json"

// Parameters is the JSON object carried by a request or a successful reply.
type Parameters map[string]any

// Call is the request envelope.
//
//   - Method is the qualified name "<reverse-domain>.<Interface>.<Method>",
//     e.g. "io.projectatomic.podman.GetVersion".
//   - Parameters encodes as {} when nil.
type Call struct {
	Method     string     `json:"method"`
	Parameters Parameters `json:"parameters"`
}

// Interface returns the interface part of the method name, everything before the last dot.
func (c *Call) Interface() string {
	return InterfaceOf(c.Method)
}

// InterfaceOf splits a qualified method name and returns its interface.
func InterfaceOf(method string) string {
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return ""
}

// ReplyKind tags which of the two reply shapes was received.
type ReplyKind uint8

const (
	ReplyParameters ReplyKind = iota // {"parameters": {...}}
	ReplyError                       // {"error": ...}
)

func (k ReplyKind) String() string {
	if k == ReplyError {
		return "error"
	}
	return "parameters"
}

// Reply is a decoded reply. Exactly one shape is populated, selected by Kind.
type Reply struct {
	Kind       ReplyKind
	Parameters Parameters      // ReplyParameters
	Raw        json.RawMessage // ReplyParameters: the parameters object as received
	Error      any             // ReplyError: string or structured value, verbatim
}

// NewParametersReply builds a success reply.
func NewParametersReply(params Parameters) *Reply {
	if params == nil {
		params = Parameters{}
	}
	raw, _ := json.Marshal(params)
	return &Reply{Kind: ReplyParameters, Parameters: params, Raw: raw}
}

// NewErrorReply builds a failure reply.
func NewErrorReply(value any) *Reply {
	return &Reply{Kind: ReplyError, Error: value}
}

// MarshalJSON writes the wire shape of the reply.
func (r *Reply) MarshalJSON() ([]byte, error) {
	if r.Kind == ReplyError {
		return json.Marshal(struct {
			Error any `json:"error"`
		}{r.Error})
	}
	if r.Raw != nil {
		return json.Marshal(struct {
			Parameters json.RawMessage `json:"parameters"`
		}{r.Raw})
	}
	params := r.Parameters
	if params == nil {
		params = Parameters{}
	}
	return json.Marshal(struct {
		Parameters Parameters `json:"parameters"`
	}{params})
}
