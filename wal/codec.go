package wal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/facekit/facematch/core"
)

// Entry payload layout (little endian), wrapped by the frame in wal.go:
//
//	[Type:1][SeqNum:8][AtUnixNano:8]
//	[OwnerLen:2][Owner][ImageLen:2][Image]
//	[RecordCount:4] then per record [ID:4][VecLen:4][Vector:N*4]
//
// Image tombstones carry an empty owner; user tombstones an empty image.
// Both carry zero records.

const maxIdentifierLen = math.MaxUint16

func encodeEntry(e *Entry) ([]byte, error) {
	if len(e.OwnerUserID) > maxIdentifierLen || len(e.ImageID) > maxIdentifierLen {
		return nil, fmt.Errorf("identifier exceeds %d bytes", maxIdentifierLen)
	}

	size := 1 + 8 + 8 + 2 + len(e.OwnerUserID) + 2 + len(e.ImageID) + 4
	for _, r := range e.Records {
		size += 4 + 4 + len(r.Vector)*4
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(e.Type))
	buf = binary.LittleEndian.AppendUint64(buf, e.SeqNum)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.At.UnixNano())) //nolint:gosec
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.OwnerUserID)))
	buf = append(buf, e.OwnerUserID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.ImageID)))
	buf = append(buf, e.ImageID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Records))) //nolint:gosec

	for _, r := range e.Records {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.ID))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Vector))) //nolint:gosec
		for _, f := range r.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	return buf, nil
}

func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	r := payloadReader{buf: buf}

	t, err := r.byte()
	if err != nil {
		return e, err
	}
	e.Type = OperationType(t)
	switch e.Type {
	case OpIngest, OpTombstone, OpTombstoneUser:
	default:
		return e, fmt.Errorf("unknown WAL entry type: %d", t)
	}

	if e.SeqNum, err = r.uint64(); err != nil {
		return e, err
	}
	nanos, err := r.uint64()
	if err != nil {
		return e, err
	}
	e.At = time.Unix(0, int64(nanos)).UTC() //nolint:gosec

	if e.OwnerUserID, err = r.shortString(); err != nil {
		return e, err
	}
	if e.ImageID, err = r.shortString(); err != nil {
		return e, err
	}

	count, err := r.uint32()
	if err != nil {
		return e, err
	}
	if count > 0 {
		e.Records = make([]RecordEntry, count)
		for i := range e.Records {
			id, err := r.uint32()
			if err != nil {
				return e, err
			}
			vecLen, err := r.uint32()
			if err != nil {
				return e, err
			}
			vec := make([]float32, vecLen)
			for j := range vec {
				bits, err := r.uint32()
				if err != nil {
					return e, err
				}
				vec[j] = math.Float32frombits(bits)
			}
			e.Records[i] = RecordEntry{ID: core.VectorID(id), Vector: vec}
		}
	}

	if len(r.buf[r.off:]) != 0 {
		return e, fmt.Errorf("trailing bytes in WAL entry")
	}
	return e, nil
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("short WAL entry payload")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *payloadReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *payloadReader) shortString() (string, error) {
	lb, err := r.take(2)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(binary.LittleEndian.Uint16(lb)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
