package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpvserve/mpvserve/internal/database"
	"github.com/mpvserve/mpvserve/internal/listing"
	"github.com/mpvserve/mpvserve/internal/metrics"
	"github.com/mpvserve/mpvserve/internal/progress"
)

const movieSize = 1000

type testEnv struct {
	server    *Server
	fs        afero.Fs
	repo      *database.Repository
	persister *progress.Persister
	tracker   *StreamTracker
	movie     []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	movie := make([]byte, movieSize)
	for i := range movie {
		movie[i] = byte(i % 251)
	}
	require.NoError(t, afero.WriteFile(fs, "/media/Films/Movie One.mkv", movie, 0644))
	require.NoError(t, afero.WriteFile(fs, "/media/Films/notes.txt", []byte("n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/media/top.avi", []byte("avi"), 0644))
	require.NoError(t, fs.MkdirAll("/media/Series", 0755))

	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, db))
	repo := database.NewRepository(db)

	persister := progress.NewPersister(repo)
	tracker := NewStreamTracker()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	srv, err := NewServer(Options{
		RootDir:       "/media",
		Fs:            fs,
		Lister:        listing.New(fs, repo),
		Persister:     persister,
		StreamTracker: tracker,
		Gatherer:      reg,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		tracker.Stop()
		_ = persister.Close(context.Background())
		db.Close()
	})

	return &testEnv{server: srv, fs: fs, repo: repo, persister: persister, tracker: tracker, movie: movie}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.server.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func withUser(req *http.Request, user string) *http.Request {
	req.AddCookie(&http.Cookie{Name: UserIDCookie, Value: user})
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func TestIndexRedirects(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/browse/", resp.Header.Get("Location"))
}

func TestBrowse_HTML(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, withUser(httptest.NewRequest("GET", "/browse/Films", nil), "u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body := string(readBody(t, resp))
	assert.Contains(t, body, `href="mpv://example.com/files/Films/Movie%20One.mkv?user_id=u1"`)
	assert.Contains(t, body, ">Movie One.mkv</a>")
	assert.NotContains(t, body, "notes.txt")
	assert.NotContains(t, body, "resume at")
	assert.Contains(t, body, `href="/browse/"`, "parent link points to the root")
	assert.Empty(t, resp.Header.Get("Set-Cookie"), "existing user id is kept")
}

func TestBrowse_IssuesUserCookie(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/browse/", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == UserIDCookie {
			issued = c
		}
	}
	require.NotNil(t, issued)
	assert.Len(t, issued.Value, 36)
	assert.Contains(t, string(readBody(t, resp)), "user_id="+issued.Value)
}

func TestBrowse_NotFoundRendersErrorPage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, withUser(httptest.NewRequest("GET", "/browse/Nope", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), "Error occurred")
}

func TestAPIBrowse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, withUser(httptest.NewRequest("GET", "/api/browse/", nil), "u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result struct {
			Dirs   []map[string]any `json:"dirs"`
			Movies []map[string]any `json:"movies"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))

	require.Len(t, body.Result.Dirs, 2)
	assert.Equal(t, "Films", body.Result.Dirs[0]["name"])
	assert.Equal(t, "/browse/Films", body.Result.Dirs[0]["link"])
	assert.Equal(t, "Series", body.Result.Dirs[1]["name"])

	require.Len(t, body.Result.Movies, 1)
	assert.Equal(t, "top.avi", body.Result.Movies[0]["name"])
	assert.Equal(t, "mpv://example.com/files/top.avi?user_id=u1", body.Result.Movies[0]["link"])
	assert.Contains(t, body.Result.Movies[0], "progress")
	assert.Nil(t, body.Result.Movies[0]["progress"])
}

func TestAPIBrowse_ErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, withUser(httptest.NewRequest("GET", "/api/browse/Missing", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	assert.NotContains(t, body, "result")
	assert.NotEmpty(t, body["error"]["message"])
}

func TestFiles_WholeFile(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/files/Films/Movie%20One.mkv?user_id=u1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, env.movie, readBody(t, resp))

	require.NoError(t, env.persister.Close(context.Background()))

	rec, err := env.repo.FindByKey(context.Background(), "Films/Movie%20One.mkv?u1")
	require.NoError(t, err)
	assert.Equal(t, int64(movieSize), rec.LastFilePosition)
	assert.Equal(t, int64(movieSize), rec.FileLength)
}

func TestFiles_RangeThenListingShowsProgress(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/files/Films/Movie%20One.mkv?user_id=u1", nil)
	req.Header.Set("Range", "bytes=100-299")
	resp := env.do(t, req)

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-299/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, env.movie[100:300], readBody(t, resp))

	require.Eventually(t, func() bool {
		rec, err := env.repo.FindByKey(context.Background(), "Films/Movie%20One.mkv?u1")
		return err == nil && rec.LastFilePosition == 300
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.do(t, withUser(httptest.NewRequest("GET", "/api/browse/Films", nil), "u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result listing.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	require.Len(t, body.Result.Movies, 1)
	require.NotNil(t, body.Result.Movies[0].Progress)
	assert.Equal(t, 30, body.Result.Movies[0].Progress.Percentage)

	resp = env.do(t, withUser(httptest.NewRequest("GET", "/browse/Films", nil), "u1"))
	assert.Contains(t, string(readBody(t, resp)), "resume at 30%")

	resp = env.do(t, withUser(httptest.NewRequest("GET", "/api/browse/Films", nil), "someone-else"))
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	assert.Nil(t, body.Result.Movies[0].Progress, "progress is per user")
}

func TestFiles_SecondStreamUpdatesRecord(t *testing.T) {
	env := newTestEnv(t)
	key := "top.avi?MISSING_USER_ID"

	resp := env.do(t, httptest.NewRequest("GET", "/files/top.avi", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		_, err := env.repo.FindByKey(context.Background(), key)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest("GET", "/files/top.avi", nil)
	req.Header.Set("Range", "bytes=1-1")
	resp = env.do(t, req)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.NoError(t, env.persister.Close(context.Background()))

	rec, err := env.repo.FindByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.LastFilePosition)

	count, err := env.repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFiles_Head(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("HEAD", "/files/Films/Movie%20One.mkv?user_id=u1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(movieSize), resp.ContentLength)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	require.NoError(t, env.persister.Close(context.Background()))
	_, err := env.repo.FindByKey(context.Background(), "Films/Movie%20One.mkv?u1")
	assert.ErrorIs(t, err, database.ErrNotFound, "HEAD does not open a stream")
}

func TestFiles_Errors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/files/missing.mkv", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest("GET", "/files/Films", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest("GET", "/files/top.avi", nil)
	req.Header.Set("Range", "bytes=50-60")
	resp = env.do(t, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */3", resp.Header.Get("Content-Range"))

	require.NoError(t, env.persister.Close(context.Background()))
	count, err := env.repo.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "failed requests record nothing")
}

func TestStreamsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/files/top.avi?user_id=u1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest("GET", "/api/streams", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Active  []ActiveStream `json:"active"`
			History []ActiveStream `json:"history"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	assert.True(t, body.Success)
	assert.Empty(t, body.Data.Active)
	require.Len(t, body.Data.History, 1)
	assert.Equal(t, "top.avi?u1", body.Data.History[0].Key)
	assert.Equal(t, int64(3), body.Data.History[0].BytesSent)
	assert.Equal(t, "Completed", body.Data.History[0].Status)

	resp = env.do(t, httptest.NewRequest("DELETE", "/api/streams/unknown", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.server.SetReady(true)
	resp = env.do(t, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), "mpvserve_active_streams")
}

func TestParseRange(t *testing.T) {
	start, end, partial, err := parseRange("", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10}, []int64{start, end})
	assert.False(t, partial)

	start, end, partial, err = parseRange("bytes=2-", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 10}, []int64{start, end})
	assert.True(t, partial)

	start, end, _, err = parseRange("bytes=-3", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 10}, []int64{start, end})

	start, end, _, err = parseRange("bytes=5-100", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 10}, []int64{start, end})

	_, _, _, err = parseRange("bytes=20-30", 10)
	assert.Error(t, err)

	_, _, _, err = parseRange("items=0-1", 10)
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(listing.ErrOutsideRoot))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestParentLink(t *testing.T) {
	assert.Equal(t, "", parentLink(""))
	assert.Equal(t, "/browse/", parentLink("Films"))
	assert.Equal(t, "/browse/Films/Sci%20Fi", parentLink("Films/Sci Fi/Deep"))
	assert.Equal(t, "/browse/A%2BB%20%26%3D", parentLink("A+B &=/Deep"))
}

func (e *testEnv) browseJSON(t *testing.T, target, user string) listing.Result {
	t.Helper()
	resp := e.do(t, withUser(httptest.NewRequest("GET", target, nil), user))
	require.Equal(t, http.StatusOK, resp.StatusCode, target)

	var body struct {
		Result listing.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	return body.Result
}

func TestLinksRoundTripThroughRouter(t *testing.T) {
	env := newTestEnv(t)
	const dirName = "Odd+Dir &=$:@,"
	const movieName = "A+B &=$:@,.mkv"
	content := []byte("plus and friends")
	require.NoError(t, afero.WriteFile(env.fs, "/media/"+dirName+"/"+movieName, content, 0644))

	root := env.browseJSON(t, "/api/browse/", "u1")
	var dirLink string
	for _, d := range root.Dirs {
		if d.Name == dirName {
			dirLink = d.Link
		}
	}
	require.NotEmpty(t, dirLink, "directory is listed")
	assert.NotContains(t, dirLink, "+")

	dir := env.browseJSON(t, "/api"+dirLink, "u1")
	require.Len(t, dir.Movies, 1)
	assert.Equal(t, movieName, dir.Movies[0].Name)

	resp := env.do(t, withUser(httptest.NewRequest("GET", dirLink, nil), "u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), `href="/browse/"`)

	link := dir.Movies[0].Link
	filesPath, ok := strings.CutPrefix(link, "mpv://example.com")
	require.True(t, ok, link)

	resp = env.do(t, httptest.NewRequest("GET", filesPath, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, readBody(t, resp))
	require.NoError(t, env.persister.Close(context.Background()))

	encoded, _, _ := strings.Cut(strings.TrimPrefix(filesPath, "/files/"), "?")
	rec, err := env.repo.FindByKey(context.Background(), encoded+"?u1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), rec.LastFilePosition)

	dir = env.browseJSON(t, "/api"+dirLink, "u1")
	require.NotNil(t, dir.Movies[0].Progress, "listing finds the stored record")
	assert.Equal(t, 100, dir.Movies[0].Progress.Percentage)
}

func TestBrowse_IgnoresForwardedHost(t *testing.T) {
	env := newTestEnv(t)

	req := withUser(httptest.NewRequest("GET", "/api/browse/", nil), "u1")
	req.Header.Set("X-Forwarded-Host", "evil.example")
	resp := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result listing.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
	require.Len(t, body.Result.Movies, 1)
	assert.Equal(t, "mpv://example.com/files/top.avi?user_id=u1", body.Result.Movies[0].Link)
}

func TestFiles_SymlinkOutsideRootForbidden(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root := filepath.Join(base, "media")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Films"), 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.mkv"), []byte("secret"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Films", "inside.mkv"), []byte("inside"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(root, "Films"), filepath.Join(root, "alias")))

	db, err := database.Open(context.Background(), filepath.Join(base, "data.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))
	repo := database.NewRepository(db)
	persister := progress.NewPersister(repo)
	tracker := NewStreamTracker()
	t.Cleanup(func() {
		tracker.Stop()
		_ = persister.Close(context.Background())
		db.Close()
	})

	fs := afero.NewOsFs()
	srv, err := NewServer(Options{
		RootDir:       root,
		Fs:            fs,
		Lister:        listing.New(fs, repo),
		Persister:     persister,
		StreamTracker: tracker,
		Gatherer:      prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/files/escape/secret.mkv?user_id=u1", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = srv.App().Test(httptest.NewRequest("GET", "/files/alias/inside.mkv?user_id=u1", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("inside"), readBody(t, resp))

	require.NoError(t, persister.Close(context.Background()))
	_, err = repo.FindByKey(context.Background(), "alias/inside.mkv?u1")
	assert.NoError(t, err, "progress is keyed by the requested path")
	_, err = repo.FindByKey(context.Background(), "escape/secret.mkv?u1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
