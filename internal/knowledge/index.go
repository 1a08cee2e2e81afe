// ABOUTME: Local full-text knowledge base the assistant consults before answering
// ABOUTME: Markdown and text documents are chunked by paragraph and indexed with bluge

package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blugelabs/bluge"
	"github.com/samber/lo"
)

const (
	fieldSource  = "source"
	fieldTitle   = "title"
	fieldContent = "content"

	// maxChunkRunes bounds the size of one indexed snippet
	maxChunkRunes = 800
)

// Snippet is one ranked search hit
type Snippet struct {
	Source string
	Title  string
	Text   string
	Score  float64
}

// Searcher is what the assistant depends on
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Index wraps a bluge writer; readers are taken per search so newly
// indexed documents are visible immediately.
type Index struct {
	writer *bluge.Writer
	logger *slog.Logger
}

// Open opens (or creates) an index at path. An empty path keeps the index
// in memory.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := bluge.InMemoryOnlyConfig()
	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		cfg = bluge.DefaultConfig(path)
	}
	w, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge index: %w", err)
	}
	return &Index{writer: w, logger: logger.With("component", "knowledge")}, nil
}

// Close releases the index
func (ix *Index) Close() error {
	return ix.writer.Close()
}

// IndexDirectory (re)indexes every .md and .txt file below dir. Returns the
// number of chunks written.
func (ix *Index) IndexDirectory(ctx context.Context, dir string) (int, error) {
	batch := bluge.NewBatch()
	chunks := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".markdown" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		for i, c := range splitDocument(string(data)) {
			doc := bluge.NewDocument(rel + "#" + strconv.Itoa(i)).
				AddField(bluge.NewKeywordField(fieldSource, rel).StoreValue()).
				AddField(bluge.NewTextField(fieldTitle, c.title).StoreValue()).
				AddField(bluge.NewTextField(fieldContent, c.text).StoreValue())
			batch.Update(doc.ID(), doc)
			chunks++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking knowledge directory: %w", err)
	}
	if err := ix.writer.Batch(batch); err != nil {
		return 0, fmt.Errorf("writing knowledge batch: %w", err)
	}
	ix.logger.Info("knowledge base indexed", "dir", dir, "chunks", chunks)
	return chunks, nil
}

// Search returns up to limit snippets ranked by relevance to query.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	reader, err := ix.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening knowledge reader: %w", err)
	}
	defer reader.Close()

	q := bluge.NewBooleanQuery().
		AddShould(bluge.NewMatchQuery(query).SetField(fieldContent)).
		AddShould(bluge.NewMatchQuery(query).SetField(fieldTitle).SetBoost(2))
	it, err := reader.Search(ctx, bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}

	var out []Snippet
	match, err := it.Next()
	for err == nil && match != nil {
		s := Snippet{Score: match.Score}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case fieldSource:
				s.Source = string(value)
			case fieldTitle:
				s.Title = string(value)
			case fieldContent:
				s.Text = string(value)
			}
			return true
		})
		if err != nil {
			break
		}
		out = append(out, s)
		match, err = it.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge hits: %w", err)
	}
	return out, nil
}

type chunk struct {
	title string
	text  string
}

// splitDocument cuts a document into paragraph groups under their nearest
// markdown heading.
func splitDocument(doc string) []chunk {
	var (
		out     []chunk
		title   string
		current []string
		size    int
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n\n"))
		if text != "" {
			out = append(out, chunk{title: title, text: text})
		}
		current, size = nil, 0
	}

	paragraphs := lo.Filter(strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n\n"), func(p string, _ int) bool {
		return strings.TrimSpace(p) != ""
	})
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "#") {
			flush()
			heading, rest, _ := strings.Cut(p, "\n")
			title = strings.TrimSpace(strings.TrimLeft(heading, "#"))
			if p = strings.TrimSpace(rest); p == "" {
				continue
			}
		}
		n := len([]rune(p))
		if size > 0 && size+n > maxChunkRunes {
			flush()
		}
		current = append(current, p)
		size += n
	}
	flush()
	return out
}
