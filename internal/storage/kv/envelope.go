// Package kv provides key-value store implementations of core.KVStore:
// an in-memory reference backend and a PostgreSQL backend, both wrapped
// by the validation and metrics decorators in this package.
package kv

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

// envelopeMagic marks a zstd-compressed value so the codec can still read
// back values written before compression was turned on, or written by a
// client that skipped the envelope entirely.
var envelopeMagic = []byte{0x5f, 0x6b, 0x76, 0x01} // "_kv" + version 1

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// encodeValue compresses value and prefixes it with envelopeMagic. Values
// too small to benefit are stored unmodified to avoid 4 bytes of framing
// overhead dwarfing a handful of payload bytes.
func encodeValue(value []byte) []byte {
	if len(value) < 64 {
		return value
	}
	compressed := encoder.EncodeAll(value, make([]byte, 0, len(value)))
	out := make([]byte, 0, len(envelopeMagic)+len(compressed))
	out = append(out, envelopeMagic...)
	out = append(out, compressed...)
	return out
}

// decodeValue reverses encodeValue. Data without the magic prefix is
// returned unchanged — the passthrough path for legacy or sub-threshold
// values described above.
func decodeValue(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, envelopeMagic) {
		return stored, nil
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(stored[len(envelopeMagic):], nil)
}
