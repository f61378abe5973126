package agentloop

import (
	"math"
	"strings"
	"testing"
)

func TestSimilarity(t *testing.T) {
	if got := Similarity("hello world", "hello world"); got != 1.0 {
		t.Errorf("identical strings: expected 1.0, got %v", got)
	}
	if got := Similarity("abc", "xyz"); got > 0.34 {
		t.Errorf("disjoint strings: expected <= 0.34, got %v", got)
	}
	if got := Similarity("", ""); got != 1.0 {
		t.Errorf("empty strings: expected 1.0, got %v", got)
	}
	if got := Similarity("abc", ""); got != 0 {
		t.Errorf("one empty string: expected 0, got %v", got)
	}

	a, b := Similarity("kitten", "sitting"), Similarity("sitting", "kitten")
	if a != b {
		t.Errorf("expected symmetry, got %v and %v", a, b)
	}
	if want := 1 - 3.0/7.0; math.Abs(a-want) > 1e-9 {
		t.Errorf("kitten/sitting: expected %v, got %v", want, a)
	}
}

func TestSimilarityCountsRunes(t *testing.T) {
	if got := Similarity("héllo", "hello"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("expected 0.8, got %v", got)
	}
}

func TestExactToolCallRepetition(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig())
	params := Params{"path": "a.txt"}

	for i := 1; i < 3; i++ {
		if d.CheckToolCallLoop("read_file", params) {
			t.Fatalf("call %d: unexpected loop", i)
		}
	}
	v := d.CheckToolCall("read_file", params)
	if !v.Loop || v.Kind != LoopExact {
		t.Errorf("third call: expected exact loop, got %+v", v)
	}
}

func TestDistinctToolCallsNoLoop(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig())
	for _, name := range []string{"list_directory", "read_file", "run_command"} {
		if d.CheckToolCallLoop(name, nil) {
			t.Errorf("%s: unexpected loop", name)
		}
	}
}

func TestNearIdenticalToolCalls(t *testing.T) {
	files := []string{"a.txt", "b.txt", "c.txt"}

	d := NewLoopDetector(DefaultLoopDetectorConfig())
	var last LoopVerdict
	for _, f := range files {
		last = d.CheckToolCall("read_file", Params{"path": f})
	}
	if !last.Loop || last.Kind != LoopFuzzy {
		t.Errorf("expected fuzzy loop at the default threshold, got %+v", last)
	}

	cfg := DefaultLoopDetectorConfig()
	cfg.ToolSimilarityThreshold = 1.1
	d = NewLoopDetector(cfg)
	for _, f := range files {
		if v := d.CheckToolCall("read_file", Params{"path": f}); v.Loop {
			t.Errorf("%s: expected no loop with fuzzy tool matching disabled, got %+v", f, v)
		}
	}
}

func TestAlternation(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig())
	seq := []string{"alpha", "bravo", "alpha"}
	for _, name := range seq {
		if d.CheckToolCallLoop(name, nil) {
			t.Fatalf("%s: unexpected loop", name)
		}
	}
	v := d.CheckToolCall("bravo", nil)
	if !v.Loop || v.Kind != LoopAlternation {
		t.Errorf("expected alternation on 4th call, got %+v", v)
	}

	d.Reset()
	for _, name := range []string{"alpha", "bravo", "charlie", "bravo"} {
		if d.CheckToolCallLoop(name, nil) {
			t.Errorf("A,B,C,B: unexpected loop at %s", name)
		}
	}
}

func TestFuzzyResponseRepetition(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig())
	responses := []string{
		"I will now check the configuration file again.",
		"I will now check the configuration files again!",
		"I'll now check the configuration file again.",
	}
	var v LoopVerdict
	for _, r := range responses {
		v = d.CheckResponse(r)
	}
	if !v.Loop || v.Kind != LoopFuzzy {
		t.Errorf("expected fuzzy loop, got %+v", v)
	}
}

func TestResponseNormalization(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig())
	d.CheckResponseLoop("Done!")
	d.CheckResponseLoop("done.")
	if !d.CheckResponseLoop("  DONE  ") {
		t.Error("expected normalized responses to match exactly")
	}
}

func TestResponseSignatureExcerpt(t *testing.T) {
	long := strings.Repeat("a", 150) + strings.Repeat("b", 150)
	sig := responseSignature(long, 200, 80)
	want := strings.Repeat("a", 80) + "…" + strings.Repeat("b", 80)
	if sig != want {
		t.Errorf("unexpected excerpt signature: %q", sig)
	}
	if short := responseSignature("Hi, there.", 200, 80); short != "hi there" {
		t.Errorf("unexpected short signature: %q", short)
	}
}

func TestToolSignatureIgnoresNoise(t *testing.T) {
	a := toolCallSignature("read_file", Params{"path": "a.txt", "timestamp": 1})
	b := toolCallSignature("read_file", Params{"path": "a.txt", "timestamp": 2})
	if a != b {
		t.Errorf("expected timestamps ignored, got %q and %q", a, b)
	}
	if a != "read_file(path=a.txt)" {
		t.Errorf("unexpected signature %q", a)
	}

	c := toolCallSignature("search", Params{"limit": 5, "nonce": "x"})
	if c != "search(limit=5)" {
		t.Errorf("expected fallback to non-volatile keys, got %q", c)
	}
	if s := toolCallSignature("get", Params{"user_id": "7", "verbose": true}); s != "get(user_id=7)" {
		t.Errorf("expected suffix identity key, got %q", s)
	}
}

func TestDisabledDetector(t *testing.T) {
	d := NewLoopDetector(LoopDetectorConfig{Enabled: false})
	for i := 0; i < 5; i++ {
		if d.CheckToolCallLoop("same", nil) || d.CheckResponseLoop("same") {
			t.Fatal("disabled detector reported a loop")
		}
	}
	if d.Enabled() {
		t.Error("expected Enabled() false")
	}
}

func TestHistoryBounded(t *testing.T) {
	d := NewLoopDetector(LoopDetectorConfig{Enabled: true, HistorySize: 4, Threshold: 3})
	for _, name := range []string{"a1", "b2", "c3", "d4", "e5", "f6"} {
		d.CheckToolCall(name, nil)
	}
	if len(d.calls) != 4 {
		t.Errorf("expected history capped at 4, got %d", len(d.calls))
	}
	if d.calls[0] != "c3()" {
		t.Errorf("expected oldest evicted, got %v", d.calls)
	}
}
