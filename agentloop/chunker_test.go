package agentloop

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSplitConcatenationEqualsInput(t *testing.T) {
	inputs := []string{
		"",
		"one",
		"Hello there. How are you? I am fine!",
		"  leading and trailing spaces  ",
		strings.Repeat("word ", 120),
		strings.Repeat("x", 750),
		"Unicode works too. Ünïcödé wörds… and 日本語の文。次の文。",
	}
	p := DefaultChunkPolicy()
	for _, in := range inputs {
		if got := strings.Join(p.Split(in), ""); got != in {
			t.Errorf("concatenation mismatch for %q: got %q", in, got)
		}
	}
}

func TestSplitAtSentenceEnds(t *testing.T) {
	got := DefaultChunkPolicy().Split("Hello there. How are you?")
	if len(got) != 2 || got[0] != "Hello there. " || got[1] != "How are you?" {
		t.Errorf("unexpected chunks %q", got)
	}
}

func TestSplitByWordCount(t *testing.T) {
	got := ChunkPolicy{WordsPerChunk: 2}.Split("a b c d e")
	want := []string{"a b ", "c d ", "e"}
	if len(got) != len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitLongWord(t *testing.T) {
	got := ChunkPolicy{MaxChars: 200}.Split(strings.Repeat("x", 500))
	if len(got) != 2 || len(got[0]) != 400 {
		t.Errorf("expected a 400-rune cut, got %d chunks", len(got))
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	p := ChunkPolicy{Delay: 50 * time.Millisecond}
	text := strings.Repeat("Sentence. ", 20)
	ctx, cancel := context.WithCancel(context.Background())

	ch := p.Stream(ctx, text)
	<-ch
	cancel()
	received := 1
	for range ch {
		received++
	}
	if received >= len(p.Split(text)) {
		t.Errorf("expected stream to stop early, received %d chunks", received)
	}
}

func TestStreamDeliversAll(t *testing.T) {
	p := DefaultChunkPolicy()
	text := "First. Second. Third."
	var sb strings.Builder
	for chunk := range p.Stream(context.Background(), text) {
		sb.WriteString(chunk)
	}
	if sb.String() != text {
		t.Errorf("expected %q, got %q", text, sb.String())
	}
}
