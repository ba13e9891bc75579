// Package wal provides write-ahead logging for ingest durability.
//
// Every ingest and tombstone is appended to the journal before it is
// acknowledged, so a restart replays the journal on top of the last
// snapshot and loses nothing that was committed. Each entry is framed
// individually with a CRC32, which makes a torn final write after a crash
// detectable and recoverable: replay stops at the first bad frame and
// truncates the tail.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	fileName = "facematch.wal"

	frameHeaderLen = 8 // [PayloadLen:4][CRC32:4]
)

var (
	walMagic         = [4]byte{'F', 'M', 'W', '1'}
	walHeaderVersion = uint16(1)
	walHeaderLen     = int64(16)
)

// ErrClosed is returned when operations are attempted on a closed WAL.
var ErrClosed = errors.New("wal is closed")

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	bufW     *bufio.Writer
	filePath string
	seqNum   uint64
	closed   bool

	compressed   bool
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	durabilityMode DurabilityMode

	// Group commit state.
	syncCond        *sync.Cond
	persistedSeqNum uint64
	flushErr        error
	flushTicker     *time.Ticker
	flushStopCh     chan struct{}
	flushWg         sync.WaitGroup
}

// New opens (or creates) the WAL in the given directory.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Path == "" {
		return nil, errors.New("wal path is required")
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:           file,
		filePath:       filePath,
		compressed:     opts.Compress,
		durabilityMode: opts.DurabilityMode,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		w.compressor = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	w.decompressor = dec

	if err := w.initHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}
	w.bufW = bufio.NewWriter(file)

	if opts.DurabilityMode == DurabilityGroupCommit {
		interval := opts.GroupCommitInterval
		if interval <= 0 {
			interval = DefaultOptions.GroupCommitInterval
		}
		w.flushTicker = time.NewTicker(interval)
		w.flushStopCh = make(chan struct{})
		w.flushWg.Add(1)
		go w.flushLoop()
	}

	return w, nil
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string { return w.filePath }

func (w *WAL) initHeader() error {
	st, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	if st.Size() == 0 {
		buf := make([]byte, walHeaderLen)
		copy(buf, walMagic[:])
		binary.LittleEndian.PutUint16(buf[4:6], walHeaderVersion)
		if w.compressed {
			buf[6] = 1
		}
		if _, err := w.file.Write(buf); err != nil {
			return fmt.Errorf("failed to write WAL header: %w", err)
		}
		return w.file.Sync()
	}

	buf := make([]byte, walHeaderLen)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if [4]byte(buf[0:4]) != walMagic {
		return fmt.Errorf("unsupported WAL format: invalid header magic")
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != walHeaderVersion {
		return fmt.Errorf("unsupported WAL version: %d", v)
	}
	// The on-disk compression flag wins over the configured one.
	w.compressed = buf[6] == 1
	return nil
}

// Append encodes and durably logs the entry, assigning its sequence number.
// With DurabilitySync the entry is fsynced before Append returns; with
// DurabilityGroupCommit, Append blocks until a batched fsync covers it.
func (w *WAL) Append(entry *Entry) (uint64, error) {
	payload, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	w.seqNum++
	seq := w.seqNum
	entry.SeqNum = seq
	// Sequence number sits at payload[1:9]; patch it now that it is known.
	binary.LittleEndian.PutUint64(payload[1:9], seq)

	if w.compressed {
		payload = w.compressor.EncodeAll(payload, nil)
	}

	var frame [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload))) //nolint:gosec
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.bufW.Write(frame[:]); err != nil {
		return 0, err
	}
	if _, err := w.bufW.Write(payload); err != nil {
		return 0, err
	}

	switch w.durabilityMode {
	case DurabilitySync:
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	case DurabilityGroupCommit:
		for w.persistedSeqNum < seq && w.flushErr == nil && !w.closed {
			w.syncCond.Wait()
		}
		if w.flushErr != nil {
			return 0, w.flushErr
		}
		if w.closed {
			return 0, ErrClosed
		}
	case DurabilityAsync:
		// Buffered write only; background flush on close/checkpoint.
	}

	return seq, nil
}

func (w *WAL) flushLocked() error {
	if err := w.bufW.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.persistedSeqNum = w.seqNum
	return nil
}

func (w *WAL) flushLoop() {
	defer w.flushWg.Done()
	for {
		select {
		case <-w.flushStopCh:
			return
		case <-w.flushTicker.C:
			w.mu.Lock()
			if !w.closed && w.persistedSeqNum < w.seqNum {
				if err := w.flushLocked(); err != nil && w.flushErr == nil {
					w.flushErr = err
				}
			}
			w.syncCond.Broadcast()
			w.mu.Unlock()
		}
	}
}

// Replay invokes the callback for every intact entry in order. A torn or
// corrupt tail (the expected result of a crash mid-append) ends the replay
// and is truncated; corruption is never silently skipped over.
// Returns the number of entries replayed.
func (w *WAL) Replay(callback func(entry Entry) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.bufW.Flush(); err != nil {
		return 0, err
	}

	offset := walHeaderLen
	replayed := 0
	goodEnd := offset

	st, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()

	var frame [frameHeaderLen]byte
	for offset+frameHeaderLen <= size {
		if _, err := w.file.ReadAt(frame[:], offset); err != nil {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(frame[0:4]))
		wantCRC := binary.LittleEndian.Uint32(frame[4:8])
		if offset+frameHeaderLen+payloadLen > size {
			break // torn tail
		}

		payload := make([]byte, payloadLen)
		if _, err := w.file.ReadAt(payload, offset+frameHeaderLen); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break // torn or corrupt tail
		}

		if w.compressed {
			payload, err = w.decompressor.DecodeAll(payload, nil)
			if err != nil {
				break
			}
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			break
		}
		if err := callback(entry); err != nil {
			return replayed, fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
		}
		if entry.SeqNum > w.seqNum {
			w.seqNum = entry.SeqNum
		}

		replayed++
		offset += frameHeaderLen + payloadLen
		goodEnd = offset
	}

	if goodEnd < size {
		if err := w.file.Truncate(goodEnd); err != nil {
			return replayed, fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return replayed, err
	}
	w.persistedSeqNum = w.seqNum
	return replayed, nil
}

// Checkpoint truncates the journal after its contents have been captured
// by a durable snapshot. Sequence numbers keep increasing across
// checkpoints.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.bufW.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(walHeaderLen); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.bufW.Reset(w.file)
	return w.file.Sync()
}

// SeqNum returns the last assigned sequence number.
func (w *WAL) SeqNum() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seqNum
}

// Close flushes and closes the journal.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	flushErr := w.flushLocked()
	w.syncCond.Broadcast()
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
		close(w.flushStopCh)
		w.flushWg.Wait()
	}
	if w.compressor != nil {
		_ = w.compressor.Close()
	}
	w.decompressor.Close()

	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
