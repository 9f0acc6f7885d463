// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Chunk bodies are stored as a one-byte codec tag followed by the
// payload. Compression is transparent to callers: compressBody picks a
// codec per chunk, decompressBody dispatches on the tag. Message
// bodies are never compressed — their stored bytes feed content
// digests and must stay byte-stable.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
	compressionZstd compressionTag = 2
)

// Chunks smaller than this are stored raw; the tag byte and codec
// framing would cost more than they save.
const minCompressSize = 64

// Probe thresholds: sample compression ratio at which a codec pays for
// itself. Highly compressible chunks get zstd, mildly compressible
// ones get the cheaper lz4.
const (
	zstdRatioThreshold = 1.5
	lz4RatioThreshold  = 1.1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("chat: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("chat: init zstd decoder: %v", err))
	}
}

// selectCompression probes a sample of the data with lz4 and picks a
// codec from the observed ratio.
func selectCompression(data []byte) compressionTag {
	if len(data) < minCompressSize {
		return compressionNone
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	buf := make([]byte, lz4.CompressBlockBound(len(sample)))
	var c lz4.Compressor
	n, err := c.CompressBlock(sample, buf)
	if err != nil || n == 0 || n >= len(sample) {
		return compressionNone
	}
	ratio := float64(len(sample)) / float64(n)
	switch {
	case ratio >= zstdRatioThreshold:
		return compressionZstd
	case ratio >= lz4RatioThreshold:
		return compressionLZ4
	default:
		return compressionNone
	}
}

// compressBody encodes data as a tagged blob. It never fails: when a
// codec does not shrink the data the blob falls back to the raw form.
func compressBody(data []byte) []byte {
	switch selectCompression(data) {
	case compressionZstd:
		blob := zstdEncoder.EncodeAll(data, []byte{byte(compressionZstd)})
		if len(blob) < len(data)+1 {
			return blob
		}
	case compressionLZ4:
		header := make([]byte, 1+binary.MaxVarintLen64)
		header[0] = byte(compressionLZ4)
		n := binary.PutUvarint(header[1:], uint64(len(data)))
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		written, err := c.CompressBlock(data, buf)
		if err == nil && written > 0 && 1+n+written < len(data)+1 {
			blob := make([]byte, 0, 1+n+written)
			blob = append(blob, header[:1+n]...)
			blob = append(blob, buf[:written]...)
			return blob
		}
	}
	blob := make([]byte, 0, len(data)+1)
	blob = append(blob, byte(compressionNone))
	blob = append(blob, data...)
	return blob
}

// decompressBody decodes a tagged blob produced by compressBody.
func decompressBody(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty chunk blob")
	}
	payload := blob[1:]
	switch compressionTag(blob[0]) {
	case compressionNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case compressionLZ4:
		size, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("lz4 chunk: truncated size header")
		}
		out := make([]byte, size)
		written, err := lz4.UncompressBlock(payload[n:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 chunk: %w", err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("lz4 chunk: size mismatch: header %d, decoded %d", size, written)
		}
		return out, nil
	case compressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd chunk: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", blob[0])
	}
}
