package agentloop

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// LoopKind names the pattern that triggered a loop verdict.
type LoopKind string

const (
	LoopExact       LoopKind = "exact"
	LoopAlternation LoopKind = "alternation"
	LoopFuzzy       LoopKind = "fuzzy"
)

// LoopDetectorConfig tunes a LoopDetector.
type LoopDetectorConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// HistorySize caps each signature history.
	HistorySize int `mapstructure:"history_size"`

	// Threshold is how many recent signatures the exact and fuzzy checks
	// look at. Nothing is flagged before that many have been recorded.
	Threshold int `mapstructure:"threshold"`

	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`

	// ToolSimilarityThreshold overrides SimilarityThreshold for tool call
	// signatures when set. Values above 1 disable fuzzy tool call matching.
	// At the 0.8 default, calls that differ only in a short argument, such
	// as reading a.txt, b.txt and c.txt in turn, count as a loop; raise it
	// for agents that sweep over similarly named inputs.
	ToolSimilarityThreshold float64 `mapstructure:"tool_similarity_threshold"`

	// Responses longer than ExcerptThreshold runes are reduced to
	// ExcerptLength runes from each end.
	ExcerptThreshold int `mapstructure:"excerpt_threshold"`
	ExcerptLength    int `mapstructure:"excerpt_length"`
}

// DefaultLoopDetectorConfig returns the standard detector settings.
func DefaultLoopDetectorConfig() LoopDetectorConfig {
	return LoopDetectorConfig{
		Enabled:             true,
		HistorySize:         10,
		Threshold:           3,
		SimilarityThreshold: 0.8,
		ExcerptThreshold:    200,
		ExcerptLength:       80,
	}
}

func (c LoopDetectorConfig) withDefaults() LoopDetectorConfig {
	def := DefaultLoopDetectorConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.HistorySize < c.Threshold {
		c.HistorySize = c.Threshold
	}
	if c.HistorySize < 4 {
		c.HistorySize = 4
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.ToolSimilarityThreshold <= 0 {
		c.ToolSimilarityThreshold = c.SimilarityThreshold
	}
	if c.ExcerptThreshold <= 0 {
		c.ExcerptThreshold = def.ExcerptThreshold
	}
	if c.ExcerptLength <= 0 {
		c.ExcerptLength = def.ExcerptLength
	}
	return c
}

// LoopVerdict is the result of recording one signature.
type LoopVerdict struct {
	Loop      bool     `json:"loop"`
	Kind      LoopKind `json:"kind,omitempty"`
	Signature string   `json:"signature"`
}

// LoopDetector classifies repetitive tool calls and responses over a short
// sliding window. It never stops anything itself. Each session owns one.
type LoopDetector struct {
	cfg       LoopDetectorConfig
	calls     []string
	responses []string
	mu        sync.Mutex
}

// NewLoopDetector returns a detector with cfg, filling unset limits with
// defaults.
func NewLoopDetector(cfg LoopDetectorConfig) *LoopDetector {
	return &LoopDetector{cfg: cfg.withDefaults()}
}

// Enabled reports whether the detector records anything.
func (d *LoopDetector) Enabled() bool { return d.cfg.Enabled }

// Reset clears both histories.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
	d.responses = nil
}

// CheckToolCall records a tool call and reports whether the call history
// now shows a loop.
func (d *LoopDetector) CheckToolCall(name string, params Params) LoopVerdict {
	sig := toolCallSignature(name, params)
	if !d.cfg.Enabled {
		return LoopVerdict{Signature: sig}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = pushBounded(d.calls, sig, d.cfg.HistorySize)
	return d.evaluate(d.calls, sig, d.cfg.ToolSimilarityThreshold)
}

// CheckResponse records a model response and reports whether the response
// history now shows a loop.
func (d *LoopDetector) CheckResponse(text string) LoopVerdict {
	sig := responseSignature(text, d.cfg.ExcerptThreshold, d.cfg.ExcerptLength)
	if !d.cfg.Enabled {
		return LoopVerdict{Signature: sig}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = pushBounded(d.responses, sig, d.cfg.HistorySize)
	return d.evaluate(d.responses, sig, d.cfg.SimilarityThreshold)
}

// CheckToolCallLoop is CheckToolCall reduced to its verdict.
func (d *LoopDetector) CheckToolCallLoop(name string, params Params) bool {
	return d.CheckToolCall(name, params).Loop
}

// CheckResponseLoop is CheckResponse reduced to its verdict.
func (d *LoopDetector) CheckResponseLoop(text string) bool {
	return d.CheckResponse(text).Loop
}

func (d *LoopDetector) evaluate(history []string, sig string, similarity float64) LoopVerdict {
	v := LoopVerdict{Signature: sig}
	t := d.cfg.Threshold
	if len(history) >= t {
		window := history[len(history)-t:]
		if allEqual(window) {
			v.Loop, v.Kind = true, LoopExact
			return v
		}
	}
	if n := len(history); n >= 4 {
		a, b, c, e := history[n-4], history[n-3], history[n-2], history[n-1]
		if a == c && b == e && a != b {
			v.Loop, v.Kind = true, LoopAlternation
			return v
		}
	}
	if len(history) >= t && similarity <= 1 {
		window := history[len(history)-t:]
		if allSimilar(window, similarity) {
			v.Loop, v.Kind = true, LoopFuzzy
			return v
		}
	}
	return v
}

func pushBounded(history []string, sig string, capacity int) []string {
	history = append(history, sig)
	if over := len(history) - capacity; over > 0 {
		history = append(history[:0], history[over:]...)
	}
	return history
}

func allEqual(window []string) bool {
	for _, s := range window[1:] {
		if s != window[0] {
			return false
		}
	}
	return true
}

func allSimilar(window []string, threshold float64) bool {
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			if Similarity(window[i], window[j]) < threshold {
				return false
			}
		}
	}
	return true
}

var identityKeys = map[string]bool{
	"path":    true,
	"command": true,
	"query":   true,
	"name":    true,
	"id":      true,
	"url":     true,
	"pattern": true,
	"file":    true,
	"dir":     true,
}

var volatileKeys = map[string]bool{
	"timestamp":  true,
	"nonce":      true,
	"request_id": true,
}

func isIdentityKey(key string) bool {
	if identityKeys[key] {
		return true
	}
	return strings.HasSuffix(key, "_path") || strings.HasSuffix(key, "_id") || strings.HasSuffix(key, "_name")
}

// toolCallSignature renders name(k=v,...) over the identity-bearing
// parameters, sorted by key. Calls with no identity keys fall back to every
// non-volatile key.
func toolCallSignature(name string, params Params) string {
	var keys []string
	for k := range params {
		if isIdentityKey(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		for k := range params {
			if !volatileKeys[k] {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+canonicalValue(params[k]))
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
