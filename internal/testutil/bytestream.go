// Package testutil drives the docstore engine and a reference model with the
// same operation stream and compares them.
package testutil

// ByteStream reads bytes sequentially from a byte slice.
//
// Fuzz tests derive every choice from it. Once exhausted all reads return
// zero, so the same input always yields the same operations.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over b.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns a value in [0, maxVal) derived from the next byte.
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

// Pick returns one of options chosen by the next byte.
func Pick[T any](s *ByteStream, options []T) T {
	return options[s.NextInt(len(options))]
}
