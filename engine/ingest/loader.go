package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Extensions lists the file types LoadDocuments and Watch pick up.
var Extensions = []string{".md", ".markdown", ".txt"}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9._:/-]+`)

// SourceIDFor maps a file path under root to its source identifier: the
// slash-separated relative path with unsupported characters replaced.
func SourceIDFor(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	id := unsafeID.ReplaceAllString(filepath.ToSlash(rel), "-")
	return strings.TrimLeft(id, "-._:/")
}

// LoadFile reads one document. The title is the first markdown heading,
// or the file name without extension.
func LoadFile(root, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	text := string(data)
	return Document{
		SourceID: SourceIDFor(root, path),
		Title:    title(path, text),
		Text:     text,
	}, nil
}

func title(path, text string) string {
	for _, line := range strings.SplitN(text, "\n", 20) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadDocuments reads every supported file under dir, sorted by source ID.
// Empty files are skipped.
func LoadDocuments(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !supported(path) {
			return nil
		}
		doc, err := LoadFile(dir, path)
		if err != nil {
			return err
		}
		if strings.TrimSpace(doc.Text) == "" {
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: load %s: %w", dir, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].SourceID < docs[j].SourceID })
	return docs, nil
}
