package persist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// FileLog is the default sink: a text file opened for append, one record
// per line. Each append is flushed, and fsynced under SyncAlways, before
// it returns.
type FileLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	opts   options
	closed bool
	// torn is set when a failed append may have left a partial line.
	torn bool
}

// OpenFile opens (creating if needed) the log at path for append. An empty
// path selects keep.log in the working directory.
func OpenFile(path string, opts ...Option) (*FileLog, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		path = defaultFilePath
	}
	l := &FileLog{path: path, opts: o}
	if err := l.openForAppend(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLog) openForAppend() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ioError("open log", err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	return nil
}

// Path returns the file location.
func (l *FileLog) Path() string { return l.path }

// Validate implements Validator using the sink codec.
func (l *FileLog) Validate(key string, value []byte) error {
	_, err := l.opts.codec.Encode(Record{Op: OpSet, Key: key, Value: value})
	return err
}

// AppendSet implements Log.AppendSet.
func (l *FileLog) AppendSet(key string, value []byte, expiresAt time.Time) error {
	return l.append(Record{Op: OpSet, Key: key, Value: value, ExpiresAt: expiresAt})
}

// AppendDelete implements Log.AppendDelete.
func (l *FileLog) AppendDelete(key string) error {
	return l.append(Record{Op: OpDelete, Key: key})
}

func (l *FileLog) append(r Record) error {
	line, err := l.opts.codec.Encode(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: %w", keeperrors.ErrPersistence, keeperrors.ErrClosed)
	}
	if err := l.writeLine(line); err != nil {
		// drop whatever is buffered; the partial line is terminated by the
		// next append
		l.writer.Reset(l.file)
		l.torn = true
		return ioError("append", err)
	}
	l.torn = false
	return nil
}

func (l *FileLog) writeLine(line []byte) error {
	if l.torn {
		if err := l.writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	if _, err := l.writer.Write(line); err != nil {
		return err
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.opts.sync == SyncAlways {
		return l.file.Sync()
	}
	return nil
}

// Replay implements Log.Replay. A missing file is an empty log; a file that
// cannot be read is an error.
func (l *FileLog) Replay(ctx context.Context, fn func(Record) error) (ReplayStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var stats ReplayStats
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return stats, ioError("flush before replay", err)
		}
	}
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, ioError("open for replay", err)
	}
	defer f.Close()

	rd := bufio.NewReader(f)
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line, readErr := rd.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, ioError("read", readErr)
		}
		if len(line) > 0 && !(len(line) == 1 && line[0] == '\n') {
			rec, err := l.opts.codec.Decode(line)
			if err != nil {
				if err := l.opts.skip(n, err, &stats); err != nil {
					return stats, err
				}
			} else {
				stats.Records++
				if err := fn(rec); err != nil {
					return stats, err
				}
			}
		}
		if readErr != nil {
			return stats, nil
		}
	}
}

// Rewrite implements Log.Rewrite: the records go to a temporary file that is
// fsynced and renamed over the log, which is then reopened for append.
func (l *FileLog) Rewrite(ctx context.Context, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: %w", keeperrors.ErrPersistence, keeperrors.ErrClosed)
	}
	tmpPath := l.path + ".tmp"
	if err := l.writeSnapshot(ctx, tmpPath, records); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := l.writer.Flush(); err != nil {
		_ = os.Remove(tmpPath)
		return ioError("flush before rewrite", err)
	}
	_ = l.file.Close()
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		if reopenErr := l.openForAppend(); reopenErr != nil {
			return reopenErr
		}
		return ioError("rename", err)
	}
	if dir, err := os.Open(filepath.Dir(l.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	l.torn = false
	return l.openForAppend()
}

func (l *FileLog) writeSnapshot(ctx context.Context, path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError("create snapshot", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := l.opts.codec.Encode(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return ioError("write snapshot", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return ioError("write snapshot", err)
		}
	}
	if err := w.Flush(); err != nil {
		return ioError("flush snapshot", err)
	}
	if err := f.Sync(); err != nil {
		return ioError("sync snapshot", err)
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		_ = l.file.Close()
		return ioError("flush", err)
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return ioError("sync", err)
	}
	if err := l.file.Close(); err != nil {
		return ioError("close", err)
	}
	return nil
}

var _ Log = (*FileLog)(nil)
