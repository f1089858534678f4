// Package wire frames dehydrated query snapshots for byte stores. A frame
// carries the snapshot's data-updated timestamp beside the encoded payload
// so hydration can restore staleness math exactly.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version      byte = 1
	kindSnapshot byte = 1
)

var (
	ErrCorrupt = errors.New("wire: corrupt frame")
	magic4     = [...]byte{'R', 'Q', 'R', 'Y'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Snapshot frame: magic(4) | ver(1) | kind(1) | updatedAt unix-nano (i64 be) |
// vlen(u32 be) | payload(vlen)
func EncodeSnapshot(updatedAtUnixNano int64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSnapshot)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(updatedAtUnixNano))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeSnapshot(b []byte) (updatedAtUnixNano int64, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindSnapshot {
		return 0, nil, ErrCorrupt
	}

	off := 6

	updatedAtUnixNano = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact-length check rejects trailing bytes
		return 0, nil, ErrCorrupt
	}

	return updatedAtUnixNano, b[off : off+vlen], nil
}
