package tressa

import (
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// zstd encoders and decoders are safe for concurrent EncodeAll / DecodeAll use.
var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// ZstdCompress appends the zstd compressed data to dst.
func ZstdCompress(dst, data []byte) []byte {
	return zstdEncoder.EncodeAll(data, dst)
}

// ZstdDecompress appends the decompressed data to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, dst)
}

// SnappyCompress returns data compressed in the snappy block format.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBetter(dst, data)
}

// SnappyDecompress decodes a snappy block.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}
