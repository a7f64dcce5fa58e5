// Package docsearch is a substring search over an API documentation index stored as a JSON array.
package docsearch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// DefaultFile is the index file name looked up when no path is configured.
const DefaultFile = "blender_api.json"

type Document struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	Parameters  []any  `json:"parameters,omitempty"`
}

type Index struct {
	docs []Document
}

func NewIndex(docs []Document) *Index {
	return &Index{docs: docs}
}

// Load reads an index file. A missing file yields an empty index.
func Load(path string) (*Index, error) {
	if path == "" {
		return NewIndex(nil), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewIndex(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}
	var docs []Document
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, fmt.Errorf("parsing index %s: %w", path, err)
	}
	return NewIndex(docs), nil
}

func (i *Index) Len() int {
	return len(i.docs)
}

// Search returns up to n documents whose name, description or parameters contain query,
// case-insensitively, in index order. A non-positive n means no limit.
func (i *Index) Search(query string, n int) []Document {
	q := strings.ToLower(query)
	var results []Document
	for _, d := range i.docs {
		if n > 0 && len(results) == n {
			break
		}
		if matches(d, q) {
			results = append(results, d)
		}
	}
	return results
}

func matches(d Document, q string) bool {
	if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.Description), q) {
		return true
	}
	for _, p := range d.Parameters {
		if strings.Contains(strings.ToLower(fmt.Sprint(p)), q) {
			return true
		}
	}
	return false
}
