package api

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"

	"github.com/mpvserve/mpvserve/internal/listing"
	"github.com/mpvserve/mpvserve/internal/pathutil"
	"github.com/mpvserve/mpvserve/internal/stream"
)

// streamBody feeds one byte range of a tracked file to fasthttp. fasthttp
// closes it once the response is written or the connection is gone, and
// closing it is what records the playback position.
type streamBody struct {
	file      *stream.TrackedFile
	remaining int64
	onRead    func(n int64)
	onClose   func()
	closeOnce sync.Once
	closeErr  error
}

func (b *streamBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}

	n, err := b.file.Read(p)
	b.remaining -= int64(n)
	if n > 0 && b.onRead != nil {
		b.onRead(int64(n))
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.file.Close()
		if b.onClose != nil {
			b.onClose()
		}
	})
	return b.closeErr
}

// handleFiles streams a media file with byte range support
func (s *Server) handleFiles(c *fiber.Ctx) error {
	rel := c.Params("*")
	user := c.Query("user_id", MissingUserID)

	absPath, err := listing.Resolve(s.rootDir, rel)
	if err != nil {
		return s.respondFileError(c, err)
	}
	// Symlinks must not lead outside the root. The key keeps the
	// requested path so it matches the listing.
	if _, err := s.resolve(rel); err != nil {
		return s.respondFileError(c, err)
	}
	relPath, ok := pathutil.RelativeTo(s.rootDir, absPath)
	if !ok || relPath == "" {
		return RespondBadRequest(c, "Invalid file path", rel)
	}
	if _, err := pathutil.EncodePath(relPath); err != nil {
		return RespondBadRequest(c, "Invalid file path", err.Error())
	}

	info, err := s.fs.Stat(absPath)
	if err != nil {
		return s.respondFileError(c, err)
	}
	if info.IsDir() {
		return RespondBadRequest(c, "Path is a directory", relPath)
	}
	size := info.Size()

	start, end, partial, err := parseRange(c.Get(fiber.HeaderRange), size)
	if err != nil {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
		return c.Status(fiber.StatusRequestedRangeNotSatisfiable).SendString(err.Error())
	}
	length := end - start

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, contentType(relPath))
	if partial {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
		c.Status(fiber.StatusPartialContent)
	}

	if c.Method() == fiber.MethodHead {
		c.Set(fiber.HeaderContentLength, strconv.FormatInt(length, 10))
		return nil
	}

	handoff := s.persister.Arm()
	tf, err := stream.Open(s.fs, absPath, relPath, user, handoff)
	if err != nil {
		handoff.Release()
		return s.respondFileError(c, err)
	}

	if _, err := tf.Seek(start, io.SeekStart); err != nil {
		closeErr := tf.Close()
		return RespondInternalError(c, "Failed to seek", errors.Join(err, closeErr).Error())
	}

	body := &streamBody{file: tf, remaining: length}
	id := s.streamTracker.Add(tf.Key(), relPath, user, c.IP(), c.Get(fiber.HeaderUserAgent), size, body.Close)
	tf.OnProgress = func(offset int64) { s.streamTracker.UpdateOffset(id, offset) }
	s.streamTracker.UpdateOffset(id, start)
	body.onRead = func(n int64) { s.streamTracker.UpdateProgress(id, n) }
	body.onClose = func() {
		s.streamTracker.Remove(id)
		s.logger.Debug("Stream closed", "key", tf.Key(), "last_offset", tf.LastOffset())
	}

	s.logger.DebugContext(c.UserContext(), "Stream opened",
		"key", tf.Key(),
		"start", start,
		"length", length,
		"size", size)

	c.Context().SetBodyStream(body, int(length))
	return nil
}

// parseRange returns the half-open byte interval [start, end) to send.
// An empty header selects the whole file.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, size, false, nil
	}

	first, last, err := fasthttp.ParseByteRange([]byte(header), int(size))
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid range %q: %w", header, err)
	}
	return int64(first), int64(last) + 1, true, nil
}

func contentType(name string) string {
	if mime := utils.GetMIME(filepath.Ext(name)); mime != "" {
		return mime
	}
	return fiber.MIMEOctetStream
}

func (s *Server) respondFileError(c *fiber.Ctx, err error) error {
	switch statusFor(err) {
	case fiber.StatusNotFound:
		return RespondNotFound(c, "File", err.Error())
	case fiber.StatusForbidden:
		return RespondForbidden(c, "Access denied", err.Error())
	default:
		s.logger.ErrorContext(c.UserContext(), "Failed to open file", "error", err)
		return RespondInternalError(c, "Failed to open file", err.Error())
	}
}
