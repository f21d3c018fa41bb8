package api

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"

	"github.com/mpvserve/mpvserve/internal/listing"
	"github.com/mpvserve/mpvserve/internal/pathutil"
)

//go:embed templates/*.html
var templateFS embed.FS

var errMissingHost = errors.New("missing Host header")

func parseTemplates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		// Movie links use the mpv:// scheme, which html/template would reject.
		"playURL": func(s string) template.URL { return template.URL(s) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return tmpl, nil
}

type browsePage struct {
	CurrentPath string
	ParentLink  string
	UserID      string
	Result      *listing.Result
}

type errorPage struct {
	Status      int
	Description string
	Err         string
}

// apiBrowseResult mirrors the listing or its failure as
// {"result": {...}} or {"error": {"message": "..."}}.
type apiBrowseResult struct {
	Result *listing.Result `json:"result,omitempty"`
	Error  *jsonError      `json:"error,omitempty"`
}

type jsonError struct {
	Message string `json:"message"`
}

func (s *Server) handleBrowse(c *fiber.Ctx) error {
	rel := c.Params("*")
	user := userID(c)

	res, status, err := s.browse(c, rel, user)
	if err != nil {
		return s.render(c, status, "error.html", errorPage{
			Status:      status,
			Description: "Error occurred",
			Err:         err.Error(),
		})
	}

	return s.render(c, fiber.StatusOK, "index.html", browsePage{
		CurrentPath: rel,
		ParentLink:  parentLink(rel),
		UserID:      user,
		Result:      res,
	})
}

func (s *Server) handleAPIBrowse(c *fiber.Ctx) error {
	res, status, err := s.browse(c, c.Params("*"), userID(c))
	if err != nil {
		return c.Status(status).JSON(apiBrowseResult{Error: &jsonError{Message: err.Error()}})
	}
	return c.JSON(apiBrowseResult{Result: res})
}

// browse lists the directory rel and returns the HTTP status to use on error
func (s *Server) browse(c *fiber.Ctx, rel, user string) (*listing.Result, int, error) {
	// The Host header itself; X-Forwarded-Host is not trusted.
	host := string(c.Request().Host())
	if host == "" {
		return nil, fiber.StatusBadRequest, errMissingHost
	}

	dir, err := s.resolve(rel)
	if err != nil {
		return nil, statusFor(err), err
	}

	s.logger.DebugContext(c.UserContext(), "Reading directory", "dir", dir)

	res, err := s.lister.List(c.UserContext(), dir, s.rootDir, host, user)
	if err != nil {
		return nil, statusFor(err), err
	}
	return res, fiber.StatusOK, nil
}

// resolve maps a request path onto the filesystem, following symlinks when
// serving from the OS filesystem. The result must stay below the root.
// Both /browse and /files go through here.
func (s *Server) resolve(rel string) (string, error) {
	abs, err := listing.Resolve(s.rootDir, rel)
	if err != nil {
		return "", err
	}

	if _, ok := s.fs.(*afero.OsFs); !ok {
		return abs, nil
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if !pathutil.IsSubpath(s.rootDir, resolved) {
		return "", listing.ErrOutsideRoot
	}
	return resolved, nil
}

func (s *Server) render(c *fiber.Ctx, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.ErrorContext(c.UserContext(), "Failed to render template", "template", name, "error", err)
		return RespondInternalError(c, "Failed to render page", err.Error())
	}

	c.Type("html", "utf-8")
	return c.Status(status).Send(buf.Bytes())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fiber.StatusNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, listing.ErrOutsideRoot):
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

func parentLink(rel string) string {
	rel = path.Clean("/" + rel)
	if rel == "/" {
		return ""
	}
	enc, err := pathutil.EncodePath(path.Dir(rel))
	if err != nil {
		return "/browse/"
	}
	return "/browse/" + enc
}
