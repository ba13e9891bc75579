// Package persistence implements the durable snapshot format of the
// vector store: a versioned header, an optionally compressed record log
// and a CRC32 trailer. A snapshot is sufficient to rebuild the store and
// the similarity index by replay, without re-embedding any image.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/model"
)

// SnapshotInfo describes a written or validated snapshot.
type SnapshotInfo struct {
	Dimension   int
	RecordCount uint64
	CreatedAt   time.Time
	Compression Compression
	Checksum    uint32
}

// Save writes a snapshot of the records to w and returns its description.
// Records must arrive in ascending ID order (store snapshots guarantee
// this); the count is fixed up in the header before the trailer is
// emitted, so the sequence may be lazy.
func Save(w io.Writer, dimension int, records func(yield func(model.VectorRecord) bool), compression Compression) (SnapshotInfo, error) {
	if !compression.valid() {
		return SnapshotInfo{}, ErrInvalidCompression
	}

	// The header carries the record count, which is unknown until the lazy
	// sequence is drained. Buffer the log, then emit header + log + CRC.
	var log bytes.Buffer
	logW, closeLog, err := compressedWriter(&log, compression)
	if err != nil {
		return SnapshotInfo{}, err
	}

	var count uint64
	var encodeErr error
	records(func(rec model.VectorRecord) bool {
		if len(rec.Vector) != dimension {
			encodeErr = fmt.Errorf("record %d: dimension %d, snapshot dimension %d", rec.ID, len(rec.Vector), dimension)
			return false
		}
		if encodeErr = writeRecord(logW, rec); encodeErr != nil {
			return false
		}
		count++
		return true
	})
	if encodeErr != nil {
		return SnapshotInfo{}, encodeErr
	}
	if err := closeLog(); err != nil {
		return SnapshotInfo{}, err
	}

	info := SnapshotInfo{
		Dimension:   dimension,
		RecordCount: count,
		CreatedAt:   time.Now().UTC(),
		Compression: compression,
	}

	header := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	binary.LittleEndian.PutUint32(header[8:12], uint32(dimension)) //nolint:gosec
	header[12] = byte(compression)
	binary.LittleEndian.PutUint64(header[16:24], count)
	binary.LittleEndian.PutUint64(header[24:32], uint64(info.CreatedAt.UnixNano())) //nolint:gosec

	cw := NewChecksumWriter(w)
	if _, err := cw.Write(header); err != nil {
		return SnapshotInfo{}, err
	}
	if _, err := cw.Write(log.Bytes()); err != nil {
		return SnapshotInfo{}, err
	}
	info.Checksum = cw.Sum()

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], info.Checksum)
	if _, err := w.Write(trailer[:]); err != nil {
		return SnapshotInfo{}, err
	}
	return info, nil
}

// Load validates the snapshot in data and applies every record in order.
// Any integrity failure satisfies errors.Is(err, ErrCorrupt) and must
// abort startup.
func Load(data []byte, apply func(model.VectorRecord) error) (SnapshotInfo, error) {
	if len(data) < headerLen+4 {
		return SnapshotInfo{}, fmt.Errorf("%w: %w", ErrCorrupt, ErrTruncated)
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if CalculateChecksum(body) != binary.LittleEndian.Uint32(trailer) {
		return SnapshotInfo{}, fmt.Errorf("%w: %w", ErrCorrupt, ErrChecksumMismatch)
	}

	header := body[:headerLen]
	if binary.LittleEndian.Uint32(header[0:4]) != MagicNumber {
		return SnapshotInfo{}, fmt.Errorf("%w: %w", ErrCorrupt, ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != Version {
		return SnapshotInfo{}, fmt.Errorf("%w: %w: 0x%08x", ErrCorrupt, ErrInvalidVersion, v)
	}
	compression := Compression(header[12])
	if !compression.valid() {
		return SnapshotInfo{}, fmt.Errorf("%w: %w: %d", ErrCorrupt, ErrInvalidCompression, compression)
	}

	info := SnapshotInfo{
		Dimension:   int(binary.LittleEndian.Uint32(header[8:12])),
		RecordCount: binary.LittleEndian.Uint64(header[16:24]),
		CreatedAt:   time.Unix(0, int64(binary.LittleEndian.Uint64(header[24:32]))).UTC(), //nolint:gosec
		Compression: compression,
		Checksum:    binary.LittleEndian.Uint32(trailer),
	}

	logR, err := compressedReader(bytes.NewReader(body[headerLen:]), compression)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	for i := uint64(0); i < info.RecordCount; i++ {
		rec, err := readRecord(logR)
		if err != nil {
			return SnapshotInfo{}, fmt.Errorf("%w: record %d: %w", ErrCorrupt, i, err)
		}
		if err := apply(rec); err != nil {
			return SnapshotInfo{}, fmt.Errorf("failed to apply record %d: %w", i, err)
		}
	}
	return info, nil
}

func compressedWriter(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	default:
		bw := bufio.NewWriter(w)
		return bw, bw.Flush, nil
	}
}

func compressedReader(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	default:
		return bufio.NewReader(r), nil
	}
}

func writeRecord(w io.Writer, rec model.VectorRecord) error {
	if len(rec.OwnerUserID) > math.MaxUint16 || len(rec.ImageID) > math.MaxUint16 {
		return fmt.Errorf("record %d: identifier too long", rec.ID)
	}

	size := 4 + 1 + 8 + 8 + 2 + len(rec.OwnerUserID) + 2 + len(rec.ImageID) + 4 + len(rec.Vector)*4
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.ID))
	var flags byte
	if rec.Tombstoned {
		flags |= flagTombstoned
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.CreatedAt.UnixNano()))      //nolint:gosec
	buf = binary.LittleEndian.AppendUint64(buf, uint64(tombstonedNanos(rec)))          //nolint:gosec
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.OwnerUserID)))          //nolint:gosec
	buf = append(buf, rec.OwnerUserID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.ImageID))) //nolint:gosec
	buf = append(buf, rec.ImageID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Vector))) //nolint:gosec
	for _, f := range rec.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}

	_, err := w.Write(buf)
	return err
}

func tombstonedNanos(rec model.VectorRecord) int64 {
	if rec.TombstonedAt.IsZero() {
		return 0
	}
	return rec.TombstonedAt.UnixNano()
}

func readRecord(r io.Reader) (model.VectorRecord, error) {
	var rec model.VectorRecord

	var fixed [4 + 1 + 8 + 8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return rec, err
	}
	rec.ID = core.VectorID(binary.LittleEndian.Uint32(fixed[0:4]))
	rec.Tombstoned = fixed[4]&flagTombstoned != 0
	rec.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(fixed[5:13]))).UTC() //nolint:gosec
	if nanos := int64(binary.LittleEndian.Uint64(fixed[13:21])); nanos != 0 {          //nolint:gosec
		rec.TombstonedAt = time.Unix(0, nanos).UTC()
	}

	owner, err := readShortString(r)
	if err != nil {
		return rec, err
	}
	rec.OwnerUserID = owner

	image, err := readShortString(r)
	if err != nil {
		return rec, err
	}
	rec.ImageID = image

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return rec, err
	}
	vecLen := binary.LittleEndian.Uint32(lenBuf[:])

	raw := make([]byte, int(vecLen)*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return rec, err
	}
	rec.Vector = make([]float32, vecLen)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return rec, nil
}

func readShortString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
