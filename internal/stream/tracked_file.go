// Package stream wraps media files so that serving them records how far the
// viewer got.
package stream

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/mpvserve/mpvserve/internal/pathutil"
	"github.com/mpvserve/mpvserve/internal/progress"
)

// Sink receives the final snapshot of a stream. progress.Handoff implements it.
type Sink interface {
	Deliver(snap progress.Snapshot)
}

// ensure TrackedFile can be handed to anything expecting a seekable body
var _ io.ReadSeekCloser = (*TrackedFile)(nil)

// TrackedFile is a read-only, seekable view of one file that remembers the last
// offset the client asked for. Reads and seeks come from a single response
// pipeline and are not synchronized; Close may come from any goroutine and is
// the only thing that triggers persistence.
type TrackedFile struct {
	file       afero.File
	key        string
	fileLength int64
	lastOffset atomic.Int64
	fired      atomic.Bool
	sink       Sink

	// OnProgress, when set, observes every new offset. It must not block.
	OnProgress func(offset int64)
}

// Open opens absPath on fs and arms the returned file with sink.
// relPath and userID make up the progress key.
func Open(fs afero.Fs, absPath, relPath, userID string, sink Sink) (*TrackedFile, error) {
	key, err := pathutil.ProgressKey(relPath, userID)
	if err != nil {
		return nil, fmt.Errorf("build progress key for %s: %w", relPath, err)
	}

	file, err := fs.Open(absPath)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", absPath)
	}

	return &TrackedFile{
		file:       file,
		key:        key,
		fileLength: info.Size(),
		sink:       sink,
	}, nil
}

// Key returns the progress key of the stream.
func (t *TrackedFile) Key() string {
	return t.key
}

// Size returns the file length captured at open time.
func (t *TrackedFile) Size() int64 {
	return t.fileLength
}

// LastOffset returns the offset that will be persisted if the stream closes now.
func (t *TrackedFile) LastOffset() int64 {
	return t.lastOffset.Load()
}

// Read implements io.Reader. Every byte actually read advances the offset,
// including a short read that ends with io.EOF.
func (t *TrackedFile) Read(p []byte) (int, error) {
	n, err := t.file.Read(p)
	if n > 0 {
		t.report(t.lastOffset.Add(int64(n)))
	}
	return n, err
}

// Seek implements io.Seeker. The offset moves only when the seek succeeds.
func (t *TrackedFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := t.file.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	t.lastOffset.Store(pos)
	t.report(pos)
	return pos, nil
}

func (t *TrackedFile) report(offset int64) {
	if t.OnProgress != nil {
		t.OnProgress(offset)
	}
}

// Snapshot captures the current state of the stream.
func (t *TrackedFile) Snapshot() progress.Snapshot {
	return progress.Snapshot{
		Key:        t.key,
		LastOffset: t.lastOffset.Load(),
		FileLength: t.fileLength,
	}
}

// Close delivers the final snapshot and closes the file. Only the first call
// does anything; later calls return nil.
func (t *TrackedFile) Close() error {
	if !t.fired.CompareAndSwap(false, true) {
		return nil
	}

	if t.sink != nil {
		t.sink.Deliver(t.Snapshot())
	}

	return t.file.Close()
}
