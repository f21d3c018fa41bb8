package listing

import "encoding/json"

type Kind string

const (
	KindDir   Kind = "dir"
	KindMovie Kind = "movie"
)

// Progress is how far the current user got in a movie.
type Progress struct {
	Percentage int   `json:"percentage"`
	Timestamp  int64 `json:"timestamp"`
}

// Entry is one listed directory or movie. ID is an md5 of FullPath, stable for
// a given path and meant for DOM ids only.
type Entry struct {
	Name     string    `json:"name"`
	FullPath string    `json:"full_path"`
	RelPath  string    `json:"rel_path"`
	ID       string    `json:"id"`
	Link     string    `json:"link"`
	Kind     Kind      `json:"-"`
	Progress *Progress `json:"progress"`

	key string
}

// MarshalJSON drops the progress field from directories; movies always carry
// it, null when nothing was recorded.
func (e Entry) MarshalJSON() ([]byte, error) {
	type entry Entry
	if e.Kind == KindMovie {
		return json.Marshal(entry(e))
	}
	return json.Marshal(struct {
		Name     string `json:"name"`
		FullPath string `json:"full_path"`
		RelPath  string `json:"rel_path"`
		ID       string `json:"id"`
		Link     string `json:"link"`
	}{e.Name, e.FullPath, e.RelPath, e.ID, e.Link})
}

// Result holds the listed directories and movies, each sorted by name.
type Result struct {
	Dirs   []Entry `json:"dirs"`
	Movies []Entry `json:"movies"`
}
