// Package docs renders the operator documentation, written in AsciiDoc and
// embedded in the binary, to HTML fragments.
package docs

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
)

//go:embed content/*.adoc
var content embed.FS

// ErrNotFound is returned for names that are not documents.
var ErrNotFound = fs.ErrNotExist

// Embedded returns the documents compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(content, "content")
	if err != nil {
		panic(err)
	}
	return sub
}

type Service struct {
	fsys  fs.FS
	cache map[string]string // filename -> html content
	mu    sync.RWMutex
}

func NewService(fsys fs.FS) *Service {
	return &Service{
		fsys:  fsys,
		cache: make(map[string]string),
	}
}

// GetDoc renders one top-level .adoc file. Rendered output is cached.
func (s *Service) GetDoc(ctx context.Context, filename string) (string, error) {
	if !strings.HasSuffix(filename, ".adoc") || !fs.ValidPath(filename) || path.Base(filename) != filename {
		return "", fmt.Errorf("doc %q: %w", filename, ErrNotFound)
	}

	s.mu.RLock()
	html, ok := s.cache[filename]
	s.mu.RUnlock()
	if ok {
		return html, nil
	}

	data, err := fs.ReadFile(s.fsys, filename)
	if err != nil {
		return "", fmt.Errorf("failed to read doc file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	output := bytes.NewBuffer(nil)
	config := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false),
		configuration.WithAttribute("toc", "left"),
	)
	if _, err := libasciidoc.Convert(bytes.NewReader(data), output, config); err != nil {
		return "", fmt.Errorf("failed to convert asciidoc: %w", err)
	}

	html = output.String()
	s.mu.Lock()
	s.cache[filename] = html
	s.mu.Unlock()
	return html, nil
}

// ListDocs returns the available document names, sorted.
func (s *Service) ListDocs() ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, err
	}

	var docs []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".adoc") {
			docs = append(docs, entry.Name())
		}
	}
	sort.Strings(docs)
	return docs, nil
}
