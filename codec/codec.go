package codec

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// TextCodec converts between strings and the bytes put on the channel.
type TextCodec interface {
	Encode(s string) []byte
	Decode(b []byte) string
	Name() string
}

// UTF8 is the text codec varlink uses. Ill-formed input is replaced with
// U+FFFD instead of failing, including an incomplete sequence at the end of
// a buffer.
type UTF8 struct {
	enc *encoding.Encoder
	dec *encoding.Decoder
}

// NewUTF8 returns a UTF-8 codec. The codec is not safe for concurrent use;
// each Framer owns one.
func NewUTF8() *UTF8 {
	return &UTF8{
		enc: unicode.UTF8.NewEncoder(),
		dec: unicode.UTF8.NewDecoder(),
	}
}

func (c *UTF8) Encode(s string) []byte {
	out, err := c.enc.String(s)
	if err != nil {
		return []byte(s)
	}
	return []byte(out)
}

func (c *UTF8) Decode(b []byte) string {
	out, err := c.dec.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func (c *UTF8) Name() string {
	return "utf-8"
}
