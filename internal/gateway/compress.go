package gateway

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// payloadCompressor applies symmetric compression to outbound event
// payloads that exceed compressThreshold, adapted from the teacher's
// internal/grpc.Compressor (used there for state-diff streaming, here for
// large event-frame payloads the writer goroutine flushes to the socket).
// Uses zstd rather than gzip, matching the codec the teacher's own
// internal/replay/writer.go chose for its own large-payload compression.
type payloadCompressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// compressThreshold is the payload size above which flushOutbound compresses
// an event frame's body before writing it to the socket.
const compressThreshold = 8192

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZSTDCompressor() payloadCompressor {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("gateway: construct zstd encoder: %v", err))
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("gateway: construct zstd decoder: %v", err))
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}
}

func (c *zstdCompressor) Name() string { return "zstd" }

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	return c.decoder.DecodeAll(data, nil)
}
