package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Operations reported in IOError.Op.
const (
	OpCreate  = "create"
	OpScan    = "scan"
	OpPersist = "persist"
)

// ErrInvalidName is returned for names that would not land directly in the
// library directory.
var ErrInvalidName = errors.New("name is not a plain file name")

// IOError reports a failure touching the destination directory.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Library is the flat destination directory books are written into.
// Paths are relative to the filesystem root.
type Library struct {
	fs billy.Filesystem
}

// New returns a Library rooted at fs.
func New(fs billy.Filesystem) *Library {
	return &Library{fs: fs}
}

// Open creates dir (and parents) if needed and returns a Library rooted there.
func Open(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &IOError{Op: OpCreate, Path: dir, Err: err}
	}

	return New(osfs.New(dir)), nil
}

// Root returns the directory the library writes into.
func (l *Library) Root() string {
	return l.fs.Root()
}

// ScanExisting returns the names of the immediate children of the library
// directory. Names that are not valid UTF-8 are skipped.
func (l *Library) ScanExisting() (map[string]struct{}, error) {
	entries, err := l.fs.ReadDir(".")
	if err != nil {
		return nil, &IOError{Op: OpScan, Path: l.fs.Root(), Err: err}
	}

	names := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !utf8.ValidString(name) {
			continue
		}

		names[name] = struct{}{}
	}

	return names, nil
}

// Persist writes content to name, replacing any existing file.
// The write is not atomic; a crash midway leaves a partial file behind.
func (l *Library) Persist(name string, content []byte) error {
	if !validName(name) {
		return &IOError{Op: OpPersist, Path: name, Err: ErrInvalidName}
	}

	if err := util.WriteFile(l.fs, name, content, filePerm); err != nil {
		return &IOError{Op: OpPersist, Path: l.fs.Join(l.fs.Root(), name), Err: err}
	}

	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}

	return !strings.ContainsAny(name, `/\`) && name == filepath.Base(name)
}
