// Package chunk splits source documents into bounded, overlapping,
// content-hashed segments ready for embedding.
//
// Sizes are measured in bytes and cuts always fall on rune boundaries.
// For every chunk after the first, Content[:OverlapLen] repeats the tail of
// the previous chunk, so joining chunk 0 with Content[OverlapLen:] of the
// rest reproduces the input exactly.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Options bounds chunk sizes. Every chunk except the last has a length in
// [MinSize, MaxSize].
type Options struct {
	MinSize int `mapstructure:"min_size"`
	MaxSize int `mapstructure:"max_size"`
	Overlap int `mapstructure:"overlap"`
}

// DefaultOptions is the window used for knowledge-base articles.
var DefaultOptions = Options{MinSize: 500, MaxSize: 800, Overlap: 100}

// Normalize fills defaults and enforces 0 <= Overlap < MinSize <= MaxSize.
// The window between MinSize and MaxSize is widened to hold at least one
// full rune so a hard cut never has to exceed MaxSize.
func (o Options) Normalize() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultOptions.MaxSize
	}
	if o.MinSize <= 0 {
		o.MinSize = min(DefaultOptions.MinSize, o.MaxSize)
	}
	if o.MinSize > o.MaxSize-utf8.UTFMax {
		o.MinSize = max(1, o.MaxSize-utf8.UTFMax)
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MinSize {
		o.Overlap = o.MinSize / 2
	}
	return o
}

// Hash returns the dedup key for content: sha256 over the trimmed,
// lowercased text, hex encoded.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

// Split cuts text into chunks. Whitespace-only text yields no chunks.
func Split(sourceID, text string, opts Options) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	opts = opts.Normalize()

	var (
		contents []string
		overlaps []int
		pos      int
	)
	for pos < len(text) {
		tail := ""
		if n := len(contents); n > 0 {
			tail = overlapTail(contents[n-1], opts.Overlap)
		}
		ov := len(tail)

		if ov+len(text)-pos <= opts.MaxSize {
			seg := text[pos:]
			if n := len(contents); n > 0 && ov+len(seg) < opts.MinSize {
				contents[n-1] += seg
			} else {
				contents = append(contents, tail+seg)
				overlaps = append(overlaps, ov)
			}
			break
		}

		lo := pos + max(1, opts.MinSize-ov)
		hi := pos + opts.MaxSize - ov
		cut := findCut(text, pos, lo, hi)
		contents = append(contents, tail+text[pos:cut])
		overlaps = append(overlaps, ov)
		pos = cut
	}

	chunks := make([]domain.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = domain.Chunk{
			Content:     c,
			ContentHash: Hash(c),
			SourceID:    sourceID,
			ChunkIndex:  i,
			TotalChunks: len(contents),
			Size:        len(c),
			WordCount:   len(strings.Fields(c)),
			OverlapLen:  overlaps[i],
		}
	}
	return chunks
}

// Join reverses Split by dropping each chunk's overlap prefix.
func Join(chunks []domain.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Content)
			continue
		}
		b.WriteString(c.Content[c.OverlapLen:])
	}
	return b.String()
}

// overlapTail returns at most n trailing bytes of s, starting on a rune boundary.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// findCut picks the end of the next segment within [lo, hi]: the last
// sentence boundary, else the last word boundary, else a hard cut at hi.
func findCut(text string, pos, lo, hi int) int {
	if c := lastSentenceBoundary(text, pos, lo, hi); c > 0 {
		return c
	}
	for j := hi - 1; j >= lo-1 && j >= pos; j-- {
		if isSpace(text[j]) {
			return j + 1
		}
	}
	cut := hi
	for cut > pos && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut > pos {
		return cut
	}
	// A single rune wider than MaxSize.
	for cut = hi; cut < len(text) && !utf8.RuneStart(text[cut]); cut++ {
	}
	return cut
}

// lastSentenceBoundary returns the offset just past the whitespace that
// follows the last sentence terminator (or newline) in text[pos:hi], if
// that offset lies in [lo, hi]. It returns 0 when there is none.
func lastSentenceBoundary(text string, pos, lo, hi int) int {
	best := 0
	for i := pos; i < hi; i++ {
		c := text[i]
		var end int
		switch {
		case c == '\n':
			end = i + 1
		case (c == '.' || c == '!' || c == '?') && i+1 < len(text) && isSpace(text[i+1]):
			end = i + 1
		default:
			continue
		}
		for end < hi && isSpace(text[end]) {
			end++
		}
		if end >= lo && end <= hi {
			best = end
		}
	}
	return best
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
