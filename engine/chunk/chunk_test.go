package chunk

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func sampleText(seed int64, n int) string {
	r := rand.New(rand.NewSource(seed))
	words := []string{"event", "registration", "opens", "the", "certificate", "is", "issued", "after", "payment", "venue", "hall", "b", "schedule"}
	var b strings.Builder
	for b.Len() < n {
		sentence := 3 + r.Intn(12)
		for i := 0; i < sentence; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(words[r.Intn(len(words))])
		}
		switch r.Intn(6) {
		case 0:
			b.WriteString("?\n")
		case 1:
			b.WriteString("!  ")
		default:
			b.WriteString(". ")
		}
	}
	return b.String()[:n]
}

func TestSplitBoundsAndReconstruction(t *testing.T) {
	opts := Options{MinSize: 500, MaxSize: 800, Overlap: 100}
	for seed := int64(1); seed <= 25; seed++ {
		text := sampleText(seed, 400+int(seed)*211)
		chunks := Split("doc", text, opts)
		if len(chunks) == 0 {
			t.Fatalf("seed %d: no chunks", seed)
		}
		for i, c := range chunks {
			if i < len(chunks)-1 && (c.Size < opts.MinSize || c.Size > opts.MaxSize) {
				t.Fatalf("seed %d chunk %d: size %d outside [%d,%d]", seed, i, c.Size, opts.MinSize, opts.MaxSize)
			}
			if c.OverlapLen > opts.Overlap {
				t.Fatalf("seed %d chunk %d: overlap %d", seed, i, c.OverlapLen)
			}
			if i > 0 && !strings.HasSuffix(chunks[i-1].Content, c.Content[:c.OverlapLen]) {
				t.Fatalf("seed %d chunk %d: overlap is not the previous tail", seed, i)
			}
			if c.ChunkIndex != i || c.TotalChunks != len(chunks) || c.SourceID != "doc" {
				t.Fatalf("seed %d chunk %d: bad metadata %+v", seed, i, c)
			}
		}
		if got := Join(chunks); got != text {
			t.Fatalf("seed %d: reconstruction mismatch", seed)
		}
	}
}

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	sentence := "The hackathon registration closes on Friday at noon. "
	text := strings.Repeat(sentence, 40)
	chunks := Split("faq", text, Options{MinSize: 200, MaxSize: 300, Overlap: 20})
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(strings.TrimSpace(c.Content), ".") {
			t.Fatalf("chunk %d does not end on a sentence: %q", i, c.Content[len(c.Content)-20:])
		}
	}
}

func TestSplitForcesWordBoundary(t *testing.T) {
	text := strings.Repeat("abcd ", 100)
	chunks := Split("w", text, Options{MinSize: 50, MaxSize: 100, Overlap: 10})
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c.Content, " ") {
			t.Fatalf("chunk %d split mid-word: %q", i, c.Content)
		}
	}
	if Join(chunks) != text {
		t.Fatal("reconstruction mismatch")
	}
}

func TestSplitMergesShortFinalFragment(t *testing.T) {
	text := strings.Repeat("abcd ", 26)
	chunks := Split("w", text, Options{MinSize: 50, MaxSize: 100, Overlap: 10})
	if len(chunks) != 1 {
		t.Fatalf("expected the short tail to merge, got %d chunks", len(chunks))
	}
	if chunks[0].Content != text || chunks[0].TotalChunks != 1 {
		t.Fatalf("unexpected chunk %+v", chunks[0])
	}
}

func TestSplitMultibyteHardCut(t *testing.T) {
	text := strings.Repeat("é", 700)
	chunks := Split("mb", text, Options{MinSize: 100, MaxSize: 201, Overlap: 11})
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
	}
	if Join(chunks) != text {
		t.Fatal("reconstruction mismatch")
	}
}

func TestSplitNarrowWindowMultibyte(t *testing.T) {
	opts := Options{MinSize: 254, MaxSize: 256, Overlap: 10}
	norm := opts.Normalize()
	r := rand.New(rand.NewSource(3))
	runes := []string{"a", "é", "€", "𝄞"}
	for seed := 0; seed < 200; seed++ {
		var b strings.Builder
		for b.Len() < 2000 {
			b.WriteString(runes[r.Intn(len(runes))])
		}
		text := b.String()
		chunks := Split("n", text, opts)
		for i, c := range chunks {
			if i < len(chunks)-1 && (c.Size < norm.MinSize || c.Size > norm.MaxSize) {
				t.Fatalf("seed %d chunk %d: size %d outside [%d,%d]", seed, i, c.Size, norm.MinSize, norm.MaxSize)
			}
			if !utf8.ValidString(c.Content) {
				t.Fatalf("seed %d chunk %d is not valid UTF-8", seed, i)
			}
		}
		if Join(chunks) != text {
			t.Fatalf("seed %d: reconstruction mismatch", seed)
		}
	}
}

func TestSplitEdgeCases(t *testing.T) {
	if got := Split("x", "   \n", DefaultOptions); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	short := Split("x", "Only one line.", DefaultOptions)
	if len(short) != 1 || short[0].OverlapLen != 0 || short[0].WordCount != 3 {
		t.Fatalf("unexpected %+v", short)
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	text := sampleText(7, 1200)
	a := Split("a", text, Options{MinSize: 500, MaxSize: 800})
	b := Split("a", text, Options{MinSize: 500, MaxSize: 800})
	if len(a) != len(b) {
		t.Fatal("chunk count differs")
	}
	for i := range a {
		if a[i].ContentHash != b[i].ContentHash {
			t.Fatalf("hash %d differs", i)
		}
	}
}

func TestHashNormalizes(t *testing.T) {
	if Hash("  Fee Details\n") != Hash("fee details") {
		t.Fatal("hash should ignore case and surrounding space")
	}
	if Hash("a") == Hash("b") {
		t.Fatal("distinct content must hash differently")
	}
}

func TestNormalize(t *testing.T) {
	o := Options{MinSize: 900, MaxSize: 300, Overlap: 500}.Normalize()
	if o.MinSize != 296 || o.Overlap != 148 {
		t.Fatalf("got %+v", o)
	}
	if n := (Options{MinSize: 255, MaxSize: 256}).Normalize(); n.MaxSize-n.MinSize < utf8.UTFMax {
		t.Fatalf("window narrower than a rune: %+v", n)
	}
	if d := (Options{}).Normalize(); d.MinSize != 500 || d.MaxSize != 800 || d.Overlap != 0 {
		t.Fatalf("got %+v", d)
	}
}
