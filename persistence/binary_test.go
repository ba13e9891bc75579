package persistence_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facekit/facematch/core"
	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/persistence"
	"github.com/facekit/facematch/testutil"
)

const dim = 32

func fixtureRecords(rng *testutil.RNG, n int) []model.VectorRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	recs := make([]model.VectorRecord, n)
	for i := range recs {
		recs[i] = model.VectorRecord{
			ID:          core.VectorID(i), //nolint:gosec
			OwnerUserID: "user-a",
			ImageID:     "img-1",
			Vector:      rng.UnitVector(dim),
			CreatedAt:   now,
		}
	}
	if n > 1 {
		recs[n-1].Tombstoned = true
		recs[n-1].TombstonedAt = now.Add(time.Minute)
	}
	return recs
}

func save(t *testing.T, recs []model.VectorRecord, c persistence.Compression) ([]byte, persistence.SnapshotInfo) {
	t.Helper()
	var buf bytes.Buffer
	info, err := persistence.Save(&buf, dim, func(yield func(model.VectorRecord) bool) {
		for _, r := range recs {
			if !yield(r) {
				return
			}
		}
	}, c)
	require.NoError(t, err)
	return buf.Bytes(), info
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := testutil.NewRNG(40)
	recs := fixtureRecords(rng, 10)

	for name, compression := range map[string]persistence.Compression{
		"None": persistence.CompressionNone,
		"Zstd": persistence.CompressionZstd,
		"LZ4":  persistence.CompressionLZ4,
	} {
		t.Run(name, func(t *testing.T) {
			data, info := save(t, recs, compression)
			assert.Equal(t, uint64(len(recs)), info.RecordCount)
			assert.Equal(t, dim, info.Dimension)
			assert.NotZero(t, info.Checksum)

			var got []model.VectorRecord
			loaded, err := persistence.Load(data, func(rec model.VectorRecord) error {
				got = append(got, rec)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, info.Checksum, loaded.Checksum)
			assert.Equal(t, recs, got)
		})
	}
}

func TestLoadRejectsCorruption(t *testing.T) {
	rng := testutil.NewRNG(41)
	data, _ := save(t, fixtureRecords(rng, 5), persistence.CompressionZstd)

	noop := func(model.VectorRecord) error { return nil }

	t.Run("FlippedByte", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[len(bad)/2] ^= 0xFF
		_, err := persistence.Load(bad, noop)
		require.ErrorIs(t, err, persistence.ErrCorrupt)
		assert.ErrorIs(t, err, persistence.ErrChecksumMismatch)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := persistence.Load(data[:10], noop)
		require.ErrorIs(t, err, persistence.ErrCorrupt)
		assert.ErrorIs(t, err, persistence.ErrTruncated)
	})

	t.Run("BadMagic", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[0] ^= 0xFF
		// Checksum catches the flip first unless it is recomputed; force
		// the magic check by rewriting the trailer.
		body := bad[:len(bad)-4]
		sum := persistence.CalculateChecksum(body)
		bad[len(bad)-4] = byte(sum)
		bad[len(bad)-3] = byte(sum >> 8)
		bad[len(bad)-2] = byte(sum >> 16)
		bad[len(bad)-1] = byte(sum >> 24)

		_, err := persistence.Load(bad, noop)
		require.ErrorIs(t, err, persistence.ErrCorrupt)
		assert.ErrorIs(t, err, persistence.ErrInvalidMagic)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := persistence.Load(nil, noop)
		assert.ErrorIs(t, err, persistence.ErrCorrupt)
	})
}

func TestSaveRejectsDimensionMismatch(t *testing.T) {
	rng := testutil.NewRNG(42)
	var buf bytes.Buffer
	_, err := persistence.Save(&buf, dim, func(yield func(model.VectorRecord) bool) {
		yield(model.VectorRecord{ID: 0, OwnerUserID: "u", ImageID: "i", Vector: rng.UnitVector(dim + 1)})
	}, persistence.CompressionNone)
	assert.Error(t, err)
}
