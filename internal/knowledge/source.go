package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathTraversal is returned for org ids that would escape the root.
var ErrPathTraversal = errors.New("knowledge path escapes root")

// Source retrieves candidate documents for a turn.
type Source interface {
	Retrieve(ctx context.Context, orgID, agentID, query string) ([]Document, error)
}

var supportedExts = map[string]bool{".md": true, ".txt": true, ".yaml": true, ".yml": true}

// DirSource reads documents from <root>/<org>/, optionally narrowed by an
// agent subdirectory <root>/<org>/<agent>/. The first-level subdirectory of
// a file becomes its tag and a leading "# " line its description. Documents
// are ranked by how many query words they contain, ties keep path order.
type DirSource struct {
	Root string
}

// NewDirSource creates a directory-backed source.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

// Retrieve loads and ranks the org's documents. A missing org directory
// yields no documents and no error.
func (s *DirSource) Retrieve(ctx context.Context, orgID, agentID, query string) ([]Document, error) {
	base, err := s.orgDir(orgID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var docs []Document
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !supportedExts[filepath.Ext(path)] {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) > 1 && agentID != "" && strings.HasPrefix(parts[0], "agent-") && parts[0] != "agent-"+agentID {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		doc := Document{
			ID:       filepath.ToSlash(rel),
			Filename: filepath.Base(path),
			Content:  string(content),
			Source:   "dir",
		}
		if len(parts) > 1 {
			doc.Tags = []string{parts[0]}
		}
		if first, _, _ := strings.Cut(doc.Content, "\n"); strings.HasPrefix(first, "# ") {
			doc.Description = strings.TrimSpace(strings.TrimPrefix(first, "# "))
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading knowledge for %s: %w", orgID, err)
	}

	rankByQuery(docs, query)
	return docs, nil
}

func (s *DirSource) orgDir(orgID string) (string, error) {
	if orgID == "" || strings.Contains(orgID, "..") || strings.ContainsAny(orgID, `/\`) {
		return "", fmt.Errorf("org %q: %w", orgID, ErrPathTraversal)
	}
	return filepath.Join(filepath.Clean(s.Root), orgID), nil
}

func rankByQuery(docs []Document, query string) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return
	}
	score := make(map[string]int, len(docs))
	for _, d := range docs {
		text := strings.ToLower(d.Filename + " " + d.Description + " " + d.Content)
		for _, w := range words {
			if len(w) > 2 && strings.Contains(text, w) {
				score[d.ID]++
			}
		}
	}
	sort.SliceStable(docs, func(i, j int) bool { return score[docs[i].ID] > score[docs[j].ID] })
}
