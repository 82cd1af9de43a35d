// Package codec translates between varlink calls/replies and the bytes sent
// over a channel. It does no I/O.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mini-varlink/message"
	"mini-varlink/protocol"
)

// Framer encodes requests and decodes replies. One Framer belongs to one
// sequencer; it is not safe for concurrent use.
type Framer struct {
	text TextCodec
}

// NewFramer returns a Framer using text to convert JSON text to bytes.
// A nil text codec means UTF-8.
func NewFramer(text TextCodec) *Framer {
	if text == nil {
		text = NewUTF8()
	}
	return &Framer{text: text}
}

// Encode builds {"method": method, "parameters": parameters} followed by the
// terminator. Nil parameters are sent as {}. The only error is a parameter
// value that JSON cannot represent.
func (f *Framer) Encode(method string, parameters message.Parameters) ([]byte, error) {
	if parameters == nil {
		parameters = message.Parameters{}
	}
	body, err := json.Marshal(&message.Call{Method: method, Parameters: parameters})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return protocol.Frame(f.text.Encode(string(body))), nil
}

// Decode turns one delivered chunk into a Reply. Every failure is a
// *message.ProtocolError and no partial result is returned.
//
// A field is present when its key exists with a non-null value. When both
// "parameters" and "error" are present, "parameters" wins.
//
// The chunk must hold the complete message: replies split over several
// deliveries are not reassembled.
func (f *Framer) Decode(data []byte) (*message.Reply, error) {
	body, err := protocol.Unframe(data)
	if err != nil {
		return nil, &message.ProtocolError{Message: err.Error()}
	}
	text := f.text.Decode(body)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, &message.ProtocolError{Message: "invalid reply json", Text: text}
	}

	if raw, ok := present(fields, "parameters"); ok {
		var params message.Parameters
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &message.ProtocolError{Message: "parameters is not an object", Text: text}
		}
		return &message.Reply{
			Kind:       message.ReplyParameters,
			Parameters: params,
			Raw:        append(json.RawMessage(nil), raw...),
		}, nil
	}

	if raw, ok := present(fields, "error"); ok {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &message.ProtocolError{Message: "invalid error value", Text: text}
		}
		return &message.Reply{Kind: message.ReplyError, Error: value}, nil
	}

	return nil, &message.ProtocolError{Message: "reply has neither parameters nor error", Text: text}
}

func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}
