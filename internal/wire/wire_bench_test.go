package wire

import (
	"bytes"
	"testing"
)

// benchFrames renders n frames of the given payload size into one
// contiguous byte stream, the shape the decoder sees off a busy
// connection.
func benchFrames(b *testing.B, n, payloadLen int) []byte {
	b.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	payload := make([]byte, payloadLen)
	for i := 0; i < n; i++ {
		if err := enc.WriteFrame('D', payload); err != nil {
			b.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := enc.Flush(); err != nil {
		b.Fatalf("Flush: %v", err)
	}
	return buf.Bytes()
}

// BenchmarkDecodeSmallFrames measures decoder throughput on the
// data-row-sized frames that dominate a result stream.
func BenchmarkDecodeSmallFrames(b *testing.B) {
	const frames = 1024
	stream := benchFrames(b, frames, 64)
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		dec := NewDecoder(bytes.NewReader(stream))
		for j := 0; j < frames; j++ {
			if _, err := dec.WaitForMessage(); err != nil {
				b.Fatalf("WaitForMessage: %v", err)
			}
		}
	}
}

// BenchmarkEncodeFrames measures the write-side accumulate path without
// transport cost (the sink is an in-memory buffer).
func BenchmarkEncodeFrames(b *testing.B) {
	payload := make([]byte, 64)
	var sink bytes.Buffer
	enc := NewEncoder(&sink)
	b.SetBytes(int64(headerLen + len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := enc.WriteFrame('D', payload); err != nil {
			b.Fatalf("WriteFrame: %v", err)
		}
		if sink.Len() > 4*SoftFlushThreshold {
			sink.Reset()
		}
	}
}

// BenchmarkBuilderTypedFields measures the payload builder on the field
// mix a describe-type response carries.
func BenchmarkBuilderTypedFields(b *testing.B) {
	var id [16]byte
	desc := make([]byte, 128)
	for i := 0; i < b.N; i++ {
		payload := NewBuilder().
			UUID(id).
			Uint16(uint16(len(desc))).
			Bytes(desc).
			UUID(id).
			Uint16(uint16(len(desc))).
			Bytes(desc).
			Build()
		if len(payload) == 0 {
			b.Fatal("empty payload")
		}
	}
}
