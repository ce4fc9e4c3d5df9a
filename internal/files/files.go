// Package files resolves lookup paths to files under the served folder,
// falling back to a directory index and then to the history file.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is returned when nothing on disk answers the path and no
// fallback applies.
var ErrNotFound = errors.New("not found")

// Lookup is the outcome of checking a candidate path on disk.
type Lookup int

const (
	Missing Lookup = iota
	Regular
	Directory
)

func (l Lookup) String() string {
	switch l {
	case Regular:
		return "file"
	case Directory:
		return "directory"
	}
	return "missing"
}

// File is a fully read file ready to be sent.
type File struct {
	Body        []byte
	ContentType string

	// Fallback is set when the body came from the history file.
	Fallback bool
}

// Resolver serves files from a folder. It keeps no open handles.
type Resolver struct {
	folder  string
	index   string
	history string
	logger  *slog.Logger
}

// NewResolver creates a Resolver. folder and history must be absolute;
// history may be empty to disable the fallback.
func NewResolver(folder, index, history string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		folder:  folder,
		index:   index,
		history: history,
		logger:  logger,
	}
}

// Resolve reads the file for the lookup path p.
//
// An existing directory serves its index file, or ErrNotFound when the index
// is not readable. A missing path serves the history file when one is
// configured and p has no '.', otherwise ErrNotFound. Read failures after
// the existence check are returned as ordinary errors.
func (r *Resolver) Resolve(p string) (*File, error) {
	name := unescape(p)
	candidate := r.join(name)

	switch lookup(candidate) {
	case Directory:
		index := filepath.Join(candidate, r.index)
		f, err := os.Open(index)
		if err != nil {
			r.logger.Debug("directory index not readable", "path", p, "error", err)
			return nil, ErrNotFound
		}
		return r.read(f, index, p)
	case Regular:
		f, err := os.Open(candidate)
		if err != nil {
			return nil, readError(p, err)
		}
		return r.read(f, candidate, p)
	}

	if r.history != "" && !strings.Contains(name, ".") {
		r.logger.Debug("resorting to history file", "path", p)
		f, err := os.Open(r.history)
		if err != nil {
			return nil, readError(p, err)
		}
		file, err := r.read(f, r.history, p)
		if err != nil {
			return nil, err
		}
		file.Fallback = true
		return file, nil
	}

	r.logger.Debug("file not found", "path", p)
	return nil, ErrNotFound
}

// join maps p below the folder; ".." can never climb above it.
func (r *Resolver) join(p string) string {
	return filepath.Join(r.folder, filepath.FromSlash(path.Clean("/"+p)))
}

func (r *Resolver) read(f *os.File, filePath, p string) (*File, error) {
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		r.logger.Error("failed to read file", "path", p, "error", err)
		return nil, readError(p, err)
	}

	r.logger.Debug("serve with file", "path", p, "size", humanize.Bytes(uint64(len(body))))
	return &File{
		Body:        body,
		ContentType: contentType(filePath, body),
	}, nil
}

func lookup(candidate string) Lookup {
	info, err := os.Stat(candidate)
	if err != nil {
		return Missing
	}
	switch {
	case info.IsDir():
		return Directory
	case info.Mode().IsRegular():
		return Regular
	}
	return Missing
}

func contentType(filePath string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(filePath)); ct != "" {
		return ct
	}
	return mimetype.Detect(body).String()
}

// readError labels err with the request path instead of the absolute
// filesystem path.
func readError(p string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return fmt.Errorf("error getting the file %s: %w", p, err)
}

func unescape(p string) string {
	if s, err := url.PathUnescape(p); err == nil {
		return s
	}
	return p
}
