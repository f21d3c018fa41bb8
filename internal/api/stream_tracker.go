package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mpvserve/mpvserve/internal/metrics"
	"github.com/mpvserve/mpvserve/internal/progress"
)

// Default timeout for stale streams (4 hours - covers most movie lengths)
const defaultStreamTimeout = 4 * time.Hour

const historySize = 50

// ActiveStream is the public view of one tracked file stream
type ActiveStream struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	FilePath       string    `json:"file_path"`
	UserID         string    `json:"user_id"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	TotalSize      int64     `json:"total_size"`
	CurrentOffset  int64     `json:"current_offset"`
	BytesSent      int64     `json:"bytes_sent"`
	BytesPerSecond int64     `json:"bytes_per_second"`
	Percentage     int       `json:"percentage"`
	Status         string    `json:"status"`
}

type streamInternal struct {
	mu     sync.Mutex
	stream ActiveStream

	currentOffset atomic.Int64
	bytesSent     atomic.Int64
	lastReadAt    atomic.Int64

	lastBytesSent int64
	lastSnapshot  time.Time
	closeFn       func() error
}

// view copies the stream with the live counters folded in
func (s *streamInternal) view() ActiveStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.stream
	v.CurrentOffset = s.currentOffset.Load()
	v.BytesSent = s.bytesSent.Load()
	v.LastActivity = time.Unix(0, s.lastReadAt.Load())
	v.Percentage = progress.Percentage(v.CurrentOffset, v.TotalSize)
	return v
}

// StreamTracker keeps the streams that are currently being served plus a
// short history of finished ones
type StreamTracker struct {
	streams sync.Map
	history []ActiveStream
	done    chan struct{}
	stop    sync.Once
	mu      sync.Mutex // For history protection
	timeout time.Duration
	now     func() time.Time
}

// NewStreamTracker creates a new stream tracker and starts its sampling loop
func NewStreamTracker() *StreamTracker {
	t := &StreamTracker{
		done:    make(chan struct{}),
		history: make([]ActiveStream, 0, historySize),
		timeout: defaultStreamTimeout,
		now:     time.Now,
	}
	go t.snapshotLoop()
	return t
}

// StartCleanup starts a background goroutine that periodically removes stale streams.
// The goroutine stops when the context is cancelled.
func (t *StreamTracker) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-ticker.C:
				t.cleanupStale()
			}
		}
	}()
}

// cleanupStale forgets streams that have been open longer than the timeout.
// The underlying file keeps streaming; only the registry entry goes away.
func (t *StreamTracker) cleanupStale() {
	now := t.now()
	var removed int

	t.streams.Range(func(key, value any) bool {
		s := value.(*streamInternal)
		if now.Sub(s.stream.StartedAt) > t.timeout {
			t.Remove(key.(string))
			removed++
			slog.Debug("Cleaned up stale stream",
				"stream_id", s.stream.ID,
				"file_path", s.stream.FilePath,
				"age", now.Sub(s.stream.StartedAt))
		}
		return true
	})

	if removed > 0 {
		slog.Info("Cleaned up stale streams", "count", removed)
	}
}

func (t *StreamTracker) Stop() {
	t.stop.Do(func() { close(t.done) })
}

func (t *StreamTracker) snapshotLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sample(t.now())
		}
	}
}

// sample refreshes speed and status of every active stream
func (t *StreamTracker) sample(now time.Time) {
	t.streams.Range(func(_, value any) bool {
		s := value.(*streamInternal)
		currentBytes := s.bytesSent.Load()
		lastReadAt := time.Unix(0, s.lastReadAt.Load())

		s.mu.Lock()
		defer s.mu.Unlock()

		if elapsed := now.Sub(s.lastSnapshot).Seconds(); elapsed > 0 {
			if diff := currentBytes - s.lastBytesSent; diff >= 0 {
				s.stream.BytesPerSecond = int64(float64(diff) / elapsed)
			}
		}

		switch {
		case currentBytes == 0:
			s.stream.Status = "Buffering"
		case now.Sub(lastReadAt) > 10*time.Second:
			s.stream.Status = "Stalled"
		default:
			s.stream.Status = "Streaming"
		}

		s.lastBytesSent = currentBytes
		s.lastSnapshot = now
		return true
	})
}

// Add registers a new stream and returns its ID. closeFn is called by
// KillStream to abort the stream.
func (t *StreamTracker) Add(key, filePath, userID, clientIP, userAgent string, totalSize int64, closeFn func() error) string {
	id := uuid.New().String()
	now := t.now()
	s := &streamInternal{
		stream: ActiveStream{
			ID:        id,
			Key:       key,
			FilePath:  filePath,
			UserID:    userID,
			ClientIP:  clientIP,
			UserAgent: userAgent,
			StartedAt: now,
			TotalSize: totalSize,
			Status:    "Starting",
		},
		lastSnapshot: now,
		closeFn:      closeFn,
	}
	s.lastReadAt.Store(now.UnixNano())
	t.streams.Store(id, s)

	metrics.StreamsOpenedTotal.Inc()
	metrics.ActiveStreams.Inc()
	return id
}

// UpdateOffset records the position of the stream after a read or seek
func (t *StreamTracker) UpdateOffset(id string, offset int64) {
	if val, ok := t.streams.Load(id); ok {
		val.(*streamInternal).currentOffset.Store(offset)
	}
}

// UpdateProgress adds bytesRead to the bytes sent for a stream by ID
func (t *StreamTracker) UpdateProgress(id string, bytesRead int64) {
	metrics.StreamedBytesTotal.Add(float64(bytesRead))
	if val, ok := t.streams.Load(id); ok {
		s := val.(*streamInternal)
		s.bytesSent.Add(bytesRead)
		s.lastReadAt.Store(t.now().UnixNano())
	}
}

// Remove removes a stream by ID and adds it to history
func (t *StreamTracker) Remove(id string) {
	val, ok := t.streams.LoadAndDelete(id)
	if !ok {
		return
	}
	metrics.ActiveStreams.Dec()

	final := val.(*streamInternal).view()
	final.BytesPerSecond = 0
	final.Status = "Completed"

	t.mu.Lock()
	defer t.mu.Unlock()
	// Keep the last historySize streams
	if len(t.history) >= historySize {
		t.history = t.history[1:]
	}
	t.history = append(t.history, final)
}

// KillStream closes the file behind a stream, which ends the response
func (t *StreamTracker) KillStream(id string) bool {
	val, ok := t.streams.Load(id)
	if !ok {
		return false
	}
	s := val.(*streamInternal)
	if s.closeFn == nil {
		return false
	}
	if err := s.closeFn(); err != nil {
		slog.Warn("Error closing killed stream", "stream_id", id, "error", err)
	}
	return true
}

// CloseAll closes every active stream and returns how many were closed.
// Used on shutdown, when in-flight responses are not aborted by the server.
func (t *StreamTracker) CloseAll() int {
	var ids []string
	t.streams.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})

	closed := 0
	for _, id := range ids {
		if t.KillStream(id) {
			closed++
		}
	}
	return closed
}

// GetHistory returns the recent stream history, newest first
func (t *StreamTracker) GetHistory() []ActiveStream {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]ActiveStream, len(t.history))
	for i, s := range t.history {
		res[len(t.history)-1-i] = s
	}
	return res
}

// GetAll returns all active streams, oldest first
func (t *StreamTracker) GetAll() []ActiveStream {
	res := make([]ActiveStream, 0)
	t.streams.Range(func(_, value any) bool {
		res = append(res, value.(*streamInternal).view())
		return true
	})

	sort.Slice(res, func(i, j int) bool {
		return res[i].StartedAt.Before(res[j].StartedAt)
	})
	return res
}
