// Package listing builds the browse view of one media directory.
package listing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/mpvserve/mpvserve/internal/database"
	"github.com/mpvserve/mpvserve/internal/metrics"
	"github.com/mpvserve/mpvserve/internal/pathutil"
	"github.com/mpvserve/mpvserve/internal/progress"
)

// DefaultMovieExtensions are the playable file extensions, lowercase, no dot.
var DefaultMovieExtensions = []string{"mkv", "avi"}

// ErrOutsideRoot is returned by Resolve for paths that escape the media root.
var ErrOutsideRoot = errors.New("path is outside the media root")

type fileKind int

const (
	kindOther fileKind = iota
	kindDir
	kindFile
)

// Lister enumerates directories and annotates movies with playback progress.
type Lister struct {
	fs         afero.Fs
	finder     progress.Finder
	movieExts  map[string]struct{}
	maxLookups int
	logger     *slog.Logger
}

type Option func(*Lister)

// WithMovieExtensions replaces the movie allow-list.
func WithMovieExtensions(exts []string) Option {
	return func(l *Lister) {
		l.movieExts = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			l.movieExts[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
		}
	}
}

// WithMaxLookups bounds the concurrent progress lookups of one listing.
func WithMaxLookups(n int) Option {
	return func(l *Lister) {
		if n > 0 {
			l.maxLookups = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Lister) { l.logger = logger }
}

// New creates a Lister reading from fs. finder may be nil, in which case no
// progress is attached to movies.
func New(fs afero.Fs, finder progress.Finder, opts ...Option) *Lister {
	l := &Lister{
		fs:         fs,
		finder:     finder,
		maxLookups: 4,
		logger:     slog.Default().With("component", "lister"),
	}
	WithMovieExtensions(DefaultMovieExtensions)(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// List reads the direct children of absDir. rootDir is the media root used to
// derive relative paths, host goes into playback links and userID selects
// whose progress is shown. Only a failure to read absDir itself is returned.
// A read that fails midway keeps the names already read. Broken entries are
// skipped and progress lookup failures leave Progress nil.
func (l *Lister) List(ctx context.Context, absDir, rootDir, host, userID string) (*Result, error) {
	start := time.Now()
	defer func() { metrics.ListingDuration.Observe(time.Since(start).Seconds()) }()

	names, err := l.readNames(absDir)
	if err != nil {
		if len(names) == 0 {
			return nil, fmt.Errorf("failed to read dir %s: %w", absDir, err)
		}
		l.logger.WarnContext(ctx, "Directory read stopped early, listing partial entries",
			"dir", absDir,
			"read", len(names),
			"error", err)
	}

	res := &Result{Dirs: []Entry{}, Movies: []Entry{}}
	for _, name := range names {
		entry, ok, err := l.buildEntry(absDir, rootDir, host, userID, name)
		if err != nil {
			l.logger.WarnContext(ctx, "Skipping directory entry", "dir", absDir, "name", name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		switch entry.Kind {
		case KindDir:
			res.Dirs = append(res.Dirs, entry)
		case KindMovie:
			res.Movies = append(res.Movies, entry)
		}
	}

	l.attachProgress(ctx, res.Movies)

	byName := func(a, b Entry) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(res.Dirs, byName)
	slices.SortFunc(res.Movies, byName)

	return res, nil
}

func (l *Lister) readNames(absDir string) ([]string, error) {
	dir, err := l.fs.Open(absDir)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	info, err := dir.Stat()
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", absDir)
	}

	// On error the names read so far are returned alongside it.
	return dir.Readdirnames(-1)
}

// buildEntry returns ok=false for entries that are valid but not listed.
func (l *Lister) buildEntry(absDir, rootDir, host, userID, name string) (Entry, bool, error) {
	fullPath := filepath.Join(absDir, name)

	kind, err := l.kindOf(fullPath)
	if err != nil {
		return Entry{}, false, err
	}
	if kind == kindOther {
		return Entry{}, false, nil
	}

	var isMovie bool
	if kind == kindFile {
		_, isMovie = l.movieExts[extension(name)]
		if !isMovie {
			return Entry{}, false, nil
		}
	}

	relPath, ok := pathutil.RelativeTo(rootDir, fullPath)
	if !ok {
		return Entry{}, false, fmt.Errorf("%s is not below root %s", fullPath, rootDir)
	}

	encoded, err := pathutil.EncodePath(relPath)
	if err != nil {
		return Entry{}, false, err
	}

	entry := Entry{
		Name:     name,
		FullPath: fullPath,
		RelPath:  relPath,
		ID:       entryID(fullPath),
	}

	if !isMovie {
		entry.Kind = KindDir
		entry.Link = "/browse/" + encoded
		return entry, true, nil
	}

	entry.Kind = KindMovie
	entry.Link = "mpv://" + host + "/files/" + encoded + "?user_id=" + url.QueryEscape(userID)
	entry.key = encoded + pathutil.KeySeparator + userID
	return entry, true, nil
}

// kindOf does not follow symlinks when the filesystem can tell them apart.
func (l *Lister) kindOf(path string) (fileKind, error) {
	var (
		info os.FileInfo
		err  error
	)
	if lst, ok := l.fs.(afero.Lstater); ok {
		info, _, err = lst.LstatIfPossible(path)
	} else {
		info, err = l.fs.Stat(path)
	}
	if err != nil {
		return kindOther, err
	}

	switch {
	case info.IsDir():
		return kindDir, nil
	case info.Mode().IsRegular():
		return kindFile, nil
	default:
		return kindOther, nil
	}
}

func (l *Lister) attachProgress(ctx context.Context, movies []Entry) {
	if l.finder == nil || len(movies) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(l.maxLookups)
	for i := range movies {
		movie := &movies[i]
		p.Go(func() {
			movie.Progress = l.lookupProgress(ctx, movie.key)
		})
	}
	p.Wait()
}

func (l *Lister) lookupProgress(ctx context.Context, key string) *Progress {
	rec, err := l.finder.FindByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			metrics.ProgressLookupFailuresTotal.Inc()
			l.logger.WarnContext(ctx, "Progress lookup failed", "key", key, "error", err)
		}
		return nil
	}

	return &Progress{
		Percentage: progress.Percentage(rec.LastFilePosition, rec.FileLength),
		Timestamp:  rec.LastTimestamp,
	}
}

// extension returns the lowercase extension of name without the dot.
// Dot files such as ".mkv" have no extension.
func extension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return ""
	}
	return strings.ToLower(ext[1:])
}

func entryID(fullPath string) string {
	sum := md5.Sum([]byte(fullPath))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a request path onto an absolute directory below root.
func Resolve(root, rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.FromSlash(rel), string(filepath.Separator))
	joined := filepath.Join(root, rel)
	if !pathutil.IsSubpath(root, joined) {
		return "", ErrOutsideRoot
	}
	return joined, nil
}
