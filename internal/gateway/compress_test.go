package gateway

import "testing"

func TestZSTDCompressorRoundTrip(t *testing.T) {
	compressor := newZSTDCompressor()
	payload := []byte("hello world, this is an event payload")

	compressed, err := compressor.Compress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("compressed payload empty")
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decompressed) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, payload)
	}
}

func TestZSTDCompressorDecompressEmpty(t *testing.T) {
	compressor := newZSTDCompressor()
	if _, err := compressor.Decompress(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
