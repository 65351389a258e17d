package payload

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxRawBytes is the number of bytes shown by Raw before the dump is truncated
const MaxRawBytes = 50

// Views holds the three log representations of one datagram payload
type Views struct {
	Raw   string
	Hex   string
	Array []int
}

// Describe returns every view of p
func Describe(p []byte) Views {
	return Views{
		Raw:   Raw(p),
		Hex:   Hex(p),
		Array: Array(p),
	}
}

// Raw renders p as an opaque buffer dump, e.g. "<Buffer 68 69>".
// Only the first MaxRawBytes bytes are listed.
func Raw(p []byte) string {
	var sb strings.Builder
	sb.WriteString("<Buffer")

	shown := p
	if len(shown) > MaxRawBytes {
		shown = shown[:MaxRawBytes]
	}
	for _, b := range shown {
		fmt.Fprintf(&sb, " %02x", b)
	}
	if len(p) > MaxRawBytes {
		fmt.Fprintf(&sb, " ... %d more bytes", len(p)-MaxRawBytes)
	}
	if len(p) == 0 {
		sb.WriteByte(' ')
	}

	sb.WriteByte('>')
	return sb.String()
}

// Hex returns the lowercase hexadecimal encoding of p with no separators
func Hex(p []byte) string {
	return hex.EncodeToString(p)
}

// Array returns p as integers in [0, 255], one per byte. The result is never
// nil so empty payloads render as [] in JSON logs.
func Array(p []byte) []int {
	out := make([]int, len(p))
	for i, b := range p {
		out[i] = int(b)
	}
	return out
}
