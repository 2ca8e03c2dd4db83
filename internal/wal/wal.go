// Package wal implements the append-only write-ahead log that makes store
// mutations durable.
//
// On-disk format: a sequence of records, each a 4-byte little-endian payload
// length followed by the payload (see EncodeRecord). There is no header,
// footer, or checksum.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/i-melnichenko/walcache/internal/kv"
	"github.com/i-melnichenko/walcache/internal/kverr"
)

const (
	headerSize = 4
	// MaxRecordSize bounds a single record payload.
	MaxRecordSize = 64 << 20
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("wal: log is closed")
	// ErrTornRecord reports a trailing record cut short, typically by a crash
	// in the middle of an append.
	ErrTornRecord = errors.New("wal: torn trailing record")
	// ErrCorruptRecord reports a record that is complete but cannot be decoded.
	ErrCorruptRecord = errors.New("wal: corrupt record")
	// ErrRecordTooLarge is returned by Append for payloads over MaxRecordSize.
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// Logger is the logging interface used by Log, compatible with slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Options configures a Log.
type Options struct {
	// SyncWrites forces an fsync after every append.
	SyncWrites bool
	// TruncateTornTail makes Replay cut a torn trailing record off the file
	// and succeed instead of failing with ErrTornRecord.
	TruncateTornTail bool
	Logger           Logger
}

// DefaultOptions returns options with fsync enabled and torn tails fatal.
func DefaultOptions() Options {
	return Options{SyncWrites: true}
}

// Applier receives replayed records. *kv.Store satisfies it.
type Applier interface {
	Apply(cmd kv.Command) kv.Result
}

// Log is an append-only record file. Append is safe for concurrent use;
// appends are totally ordered by acquisition of an internal mutex.
type Log struct {
	path string
	opts Options

	mu     sync.Mutex
	f      *os.File
	size   int64
	broken error
	closed bool
}

// Open opens or creates the log file at path for appending.
func Open(path string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	//nolint:gosec // path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, kverr.InternalError("wal open", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, kverr.InternalError("wal open", err)
	}
	if opts.SyncWrites {
		if err := syncDir(filepath.Dir(path)); err != nil {
			_ = f.Close()
			return nil, kverr.InternalError("wal open", err)
		}
	}
	return &Log{path: path, opts: opts, f: f, size: info.Size()}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Size returns the number of bytes appended so far, including replayed history.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append durably writes cmd. When it returns nil the record is on disk
// (subject to Options.SyncWrites).
func (l *Log) Append(cmd kv.Command) error {
	payload, err := EncodeRecord(cmd)
	if err != nil {
		return kverr.SerializationError("wal append", err)
	}
	if len(payload) > MaxRecordSize {
		return kverr.InternalError("wal append", ErrRecordTooLarge)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return kverr.InternalError("wal append", ErrClosed)
	}
	if l.broken != nil {
		return kverr.InternalError("wal append", l.broken)
	}

	if _, err := l.f.Write(buf); err != nil {
		// Drop any partial record so later appends do not land behind it.
		if terr := l.f.Truncate(l.size); terr != nil {
			l.broken = fmt.Errorf("wal: unrecoverable partial write: %w", errors.Join(err, terr))
		}
		return kverr.InternalError("wal append", err)
	}
	if l.opts.SyncWrites {
		if err := l.f.Sync(); err != nil {
			// After a failed fsync the page cache state is unknown.
			l.broken = fmt.Errorf("wal: fsync failed: %w", err)
			return kverr.InternalError("wal append", err)
		}
	}
	l.size += int64(len(buf))
	return nil
}

// Replay reads the log from the start through a separate file handle and
// applies every record to dst in order. It returns the number of records
// applied.
func (l *Log) Replay(dst Applier) (int, error) {
	//nolint:gosec // path comes from operator configuration.
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, kverr.InternalError("wal replay", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, kverr.InternalError("wal replay", err)
	}
	fileSize := info.Size()

	r := bufio.NewReaderSize(f, 64<<10)
	var (
		offset int64
		count  int
		hdr    [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return count, l.tornTail(offset, fileSize)
			}
			return count, kverr.InternalError("wal replay", err)
		}

		length := int64(binary.LittleEndian.Uint32(hdr[:]))
		if offset+headerSize+length > fileSize {
			return count, l.tornTail(offset, fileSize)
		}
		if length > MaxRecordSize {
			return count, kverr.InternalError("wal replay",
				fmt.Errorf("%w: length %d at offset %d", ErrCorruptRecord, length, offset))
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return count, l.tornTail(offset, fileSize)
			}
			return count, kverr.InternalError("wal replay", err)
		}

		cmd, err := DecodeRecord(payload)
		if err != nil {
			return count, kverr.InternalError("wal replay",
				fmt.Errorf("%w at offset %d: %v", ErrCorruptRecord, offset, err))
		}
		dst.Apply(cmd)
		count++
		offset += headerSize + length
	}
}

func (l *Log) tornTail(offset, fileSize int64) error {
	if !l.opts.TruncateTornTail {
		return kverr.InternalError("wal replay",
			fmt.Errorf("%w at offset %d (file size %d)", ErrTornRecord, offset, fileSize))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Truncate(l.path, offset); err != nil {
		return kverr.InternalError("wal truncate torn tail", err)
	}
	if l.opts.SyncWrites && l.f != nil {
		if err := l.f.Sync(); err != nil {
			return kverr.InternalError("wal truncate torn tail", err)
		}
	}
	l.size = offset
	l.opts.Logger.Warn("wal torn tail truncated",
		"path", l.path,
		"offset", offset,
		"dropped_bytes", fileSize-offset,
	)
	return nil
}

// Close closes the append handle. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Close(); err != nil {
		return kverr.InternalError("wal close", err)
	}
	return nil
}

func syncDir(dir string) error {
	//nolint:gosec // dir is derived from the configured log path.
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
