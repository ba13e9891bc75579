package persistence

import "errors"

const (
	// MagicNumber identifies facematch snapshot files (ASCII: "FMS1").
	MagicNumber = 0x464D5331

	// Version is the current snapshot format version. The format is
	// versioned so fields can be added without breaking restore of
	// older snapshots.
	Version = 0x00010000
)

// Compression selects the codec for the snapshot record log.
type Compression uint8

const (
	// CompressionNone stores the record log uncompressed.
	CompressionNone Compression = iota
	// CompressionZstd compresses with zstd (default; best ratio).
	CompressionZstd
	// CompressionLZ4 compresses with lz4 (faster, lighter ratio).
	CompressionLZ4
)

func (c Compression) valid() bool {
	return c <= CompressionLZ4
}

var (
	// ErrCorrupt is the umbrella for every snapshot integrity failure.
	// Restoring from a corrupt snapshot must block startup, never
	// silently serve an incomplete index.
	ErrCorrupt = errors.New("snapshot corrupt")

	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("unsupported snapshot version")
	ErrInvalidCompression = errors.New("unsupported compression")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrTruncated          = errors.New("snapshot truncated")
)

// Header layout, little endian, 40 bytes:
//
//	[Magic:4][Version:4][Dimension:4][Compression:1][Pad:3]
//	[RecordCount:8][CreatedAtUnixNano:8][Reserved:8]
//
// followed by the (optionally compressed) record log and a 4-byte CRC32
// trailer covering header + log bytes as written.
const headerLen = 40

// Record layout inside the log, little endian:
//
//	[ID:4][Flags:1][CreatedAt:8][TombstonedAt:8]
//	[OwnerLen:2][Owner][ImageLen:2][Image][VecLen:4][Vector:N*4]
const flagTombstoned = 1
