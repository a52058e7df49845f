// Package collector walks the include graph rooted at a config entry file,
// reading every file reachable through `includes` blocks exactly once and
// failing closed the moment an include cannot be read.
package collector

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"motya/internal/kdl"
)

// FileSystem abstracts the two filesystem operations the collector needs,
// so it can be driven against an in-memory fixture in tests without
// touching disk. Canonicalize must map every spelling of the same file to
// one stable path; the visited-set is keyed by its result.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	Canonicalize(path string) (string, error)
}

// OSFileSystem reads the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSFileSystem) Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Source is one file's parsed contents plus the display path it was loaded
// from, used both to report diagnostics against the right buffer and to
// feed the two-pass config compiler.
type Source struct {
	Path string
	Doc  *kdl.Document
}

// Collector performs the depth-first walk of a config's include graph.
type Collector struct {
	fs FileSystem
}

// New builds a Collector reading files through fs.
func New(fs FileSystem) *Collector {
	return &Collector{fs: fs}
}

// Collect reads entryPath and every file it (transitively) includes, in
// depth-first pre-order, and returns one Source per file along with every
// parse error encountered across the whole graph. A file is never read
// twice even if multiple documents include it. A missing include is fatal.
//
// An include cycle, a file transitively including itself, is not an error:
// the visited-set silently stops the recursion the moment it reaches a file
// already loaded, so a cyclic include graph still terminates with each file
// collected exactly once.
func (c *Collector) Collect(entryPath string) ([]Source, []*kdl.ParseError, error) {
	state := &walkState{
		fs:      c.fs,
		visited: make(map[string]bool),
	}
	err := state.visit(entryPath)
	return state.sources, state.parseErrors, err
}

type walkState struct {
	fs          FileSystem
	visited     map[string]bool
	sources     []Source
	parseErrors []*kdl.ParseError
}

func (w *walkState) visit(path string) error {
	canonical, err := w.fs.Canonicalize(path)
	if err != nil {
		return errors.Wrapf(err, "resolving include path %q", path)
	}

	if w.visited[canonical] {
		return nil
	}
	w.visited[canonical] = true

	content, err := w.fs.ReadFile(canonical)
	if err != nil {
		return errors.Wrapf(err, "reading config file %q", canonical)
	}

	doc, parseErrs := kdl.Parse(string(content))
	w.parseErrors = append(w.parseErrors, parseErrs...)
	w.sources = append(w.sources, Source{Path: canonical, Doc: doc})

	for _, includePath := range includePaths(doc) {
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(filepath.Dir(canonical), includePath)
		}
		if err := w.visit(includePath); err != nil {
			return err
		}
	}
	return nil
}

// includePaths extracts every path named in the document's `includes`
// blocks, in document order. Each entry is a child node whose name is the
// path itself.
func includePaths(doc *kdl.Document) []string {
	var out []string
	for _, n := range doc.Nodes {
		if n.Name != "includes" {
			continue
		}
		for _, child := range n.Children {
			out = append(out, child.Name)
		}
	}
	return out
}
