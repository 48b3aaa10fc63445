package docimport

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// Chunker splits text into overlapping pieces of at most Size runes,
// preferring paragraph, sentence and word boundaries.
type Chunker struct {
	Size    int
	Overlap int
}

// DefaultChunker keeps chunks short enough for small embedding models.
var DefaultChunker = Chunker{Size: 1000, Overlap: 100}

// Split returns the chunks of text. Text that fits in one chunk is returned whole.
func (c Chunker) Split(text string) []string {
	size := c.Size
	if size <= 0 {
		size = DefaultChunker.Size
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if b := boundary(runes, start+overlap+1, end); b > 0 {
			end = b
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		// Start the overlap on a word boundary.
		for next < end && next > start && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

// boundary finds the best cut in runes[lo:hi]: the last paragraph break,
// else the last sentence end, else the last space. It returns 0 when none exists.
func boundary(runes []rune, lo, hi int) int {
	if lo < 1 {
		lo = 1
	}
	for i := hi - 1; i >= lo; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// Chunk is one piece of an imported document.
type Chunk struct {
	Index    int
	Total    int
	Text     string
	Metadata map[string]any
}

// AddFunc stores one chunk.
type AddFunc func(ctx context.Context, ch Chunk) error

// Import splits doc and hands the chunks to add, at most concurrency at a
// time. It returns the number of chunks stored before the first failure.
func Import(ctx context.Context, doc Document, c Chunker, concurrency int, add AddFunc) (int, error) {
	pieces := c.Split(doc.Text)
	if len(pieces) == 0 {
		return 0, ErrEmpty
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	stored := make([]bool, len(pieces))
	for i, text := range pieces {
		ch := Chunk{
			Index: i,
			Total: len(pieces),
			Text:  text,
			Metadata: map[string]any{
				"source": doc.Name,
				"title":  doc.Title,
				"format": doc.Format,
				"chunk":  i + 1,
				"chunks": len(pieces),
			},
		}
		g.Go(func() error {
			if err := add(gctx, ch); err != nil {
				return fmt.Errorf("chunk %d of %d: %w", ch.Index+1, ch.Total, err)
			}
			stored[ch.Index] = true
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, ok := range stored {
		if ok {
			n++
		}
	}
	return n, err
}
