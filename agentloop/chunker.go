package agentloop

import (
	"context"
	"time"
	"unicode"
)

// ChunkPolicy splits model text into Content events. Chunks end at
// whitespace after a sentence end, after MaxChars runes or after
// WordsPerChunk words. A single run of MaxChars*2 runes without whitespace
// is cut mid-word. Concatenating the chunks always yields the input.
type ChunkPolicy struct {
	MaxChars      int           `mapstructure:"max_chars"`
	WordsPerChunk int           `mapstructure:"words_per_chunk"`
	Delay         time.Duration `mapstructure:"delay"`
}

// DefaultChunkPolicy returns the standard chunking with no pacing delay.
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{MaxChars: 200, WordsPerChunk: 40}
}

func (p ChunkPolicy) withDefaults() ChunkPolicy {
	def := DefaultChunkPolicy()
	if p.MaxChars <= 0 {
		p.MaxChars = def.MaxChars
	}
	if p.WordsPerChunk <= 0 {
		p.WordsPerChunk = def.WordsPerChunk
	}
	return p
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '。', '！', '？':
		return true
	}
	return false
}

// Split breaks text into chunks.
func (p ChunkPolicy) Split(text string) []string {
	p = p.withDefaults()
	var chunks []string
	start, chars, words := 0, 0, 0
	inWord := false
	var last rune

	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			chars++
			continue
		}
		if !inWord {
			if i > start && words > 0 && (isSentenceEnd(last) || chars >= p.MaxChars || words >= p.WordsPerChunk) {
				chunks = append(chunks, text[start:i])
				start, chars, words = i, 0, 0
			}
			words++
			inWord = true
		} else if chars >= 2*p.MaxChars {
			chunks = append(chunks, text[start:i])
			start, chars, words = i, 0, 1
		}
		last = r
		chars++
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

// Stream yields the chunks of text on the returned channel, sleeping Delay
// between chunks. The channel is closed when all chunks are sent or ctx is
// done, whichever comes first.
func (p ChunkPolicy) Stream(ctx context.Context, text string) <-chan string {
	chunks := p.Split(text)
	out := make(chan string)
	go func() {
		defer close(out)
		for i, chunk := range chunks {
			if i > 0 && p.Delay > 0 {
				timer := time.NewTimer(p.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
	}()
	return out
}
