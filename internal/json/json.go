// Package json wraps the sonic JSON implementation behind the familiar
// encoding/json surface so the rest of the codebase stays decoupled from
// the concrete library.
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

var std = sonic.ConfigStd

// Marshal encodes v using sonic with encoding/json-compatible behavior.
func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool {
	return std.Valid(data)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) sonic.Encoder {
	return std.NewEncoder(w)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return std.NewDecoder(r)
}
