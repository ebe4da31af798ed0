package commitlog

import (
	"encoding/binary"
	"time"
)

var Encoding = binary.BigEndian

const (
	// frameHeaderLen is the u32 length prefix in front of every payload.
	frameHeaderLen = 4

	// indexEntryLen is the fixed size of one index entry:
	// u64 offset followed by u64 byte position.
	indexEntryLen = 16
)

// Record is one log entry. Value is the opaque payload persisted to the
// segment; Key is used for partition routing and kept only in the hot
// tail, never on disk. Offset is assigned by the partition on append.
type Record struct {
	Offset    uint64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// FramedSize returns the on-disk size of a payload including its header.
func FramedSize(payload []byte) int64 {
	return int64(frameHeaderLen + len(payload))
}

// EncodeFrame prepends the big-endian length header to payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	Encoding.PutUint32(frame[:frameHeaderLen], uint32(len(payload)))
	return append(frame, payload...)
}
