package transcript

import (
	"testing"
	"time"

	"github.com/MrWong99/captioner/internal/diarize"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

func tok(text string, start, end time.Duration) asr.Token {
	return asr.Token{Text: text, Start: start, End: end, HasTime: true}
}

func TestMerge_FirstContainingSegmentWins(t *testing.T) {
	segs := []diarize.Segment{
		{Start: 0, End: time.Second, SpeakerID: 1, Label: "Speaker_1"},
		{Start: time.Second, End: 2 * time.Second, SpeakerID: 2, Label: "Speaker_2"},
	}
	tokens := []asr.Token{
		tok("hello", 200*time.Millisecond, 500*time.Millisecond),
		tok("edge", time.Second, 1200*time.Millisecond),
		tok("there", 1500*time.Millisecond, 1800*time.Millisecond),
		tok("late", 2500*time.Millisecond, 2800*time.Millisecond),
	}

	got := Merge(tokens, segs)
	want := []string{"Speaker_1", "Speaker_1", "Speaker_2", speaker.UnknownLabel}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Label != w {
			t.Errorf("token %d (%q): label = %q, want %q", i, got[i].Text, got[i].Label, w)
		}
	}
	if got[3].SpeakerID != 0 {
		t.Errorf("unknown token SpeakerID = %d, want 0", got[3].SpeakerID)
	}
}

func TestMerge_NoSegments(t *testing.T) {
	got := Merge([]asr.Token{tok("a", 0, time.Second)}, nil)
	if len(got) != 1 || got[0].Label != speaker.UnknownLabel {
		t.Fatalf("got %+v, want one Unknown token", got)
	}
}

func TestGroup_SplitsOnSpeakerChange(t *testing.T) {
	in := []Attributed{
		{Token: tok("good", 0, 100*time.Millisecond), Label: "Speaker_1"},
		{Token: tok("morning", 100*time.Millisecond, 300*time.Millisecond), Label: "Speaker_1"},
		{Token: tok("hi", 400*time.Millisecond, 500*time.Millisecond), Label: "Speaker_2"},
		{Token: tok(" ", 500*time.Millisecond, 600*time.Millisecond), Label: "Speaker_2"},
		{Token: tok("again", 700*time.Millisecond, 900*time.Millisecond), Label: "Speaker_1"},
	}

	lines := Group(in)
	if len(lines) != 3 {
		t.Fatalf("lines = %d (%+v), want 3", len(lines), lines)
	}
	want := []struct {
		label, text string
		start, end  time.Duration
	}{
		{"Speaker_1", "good morning", 0, 300 * time.Millisecond},
		{"Speaker_2", "hi", 400 * time.Millisecond, 500 * time.Millisecond},
		{"Speaker_1", "again", 700 * time.Millisecond, 900 * time.Millisecond},
	}
	for i, w := range want {
		l := lines[i]
		if l.Label != w.label || l.Text != w.text || l.Start != w.start || l.End != w.end {
			t.Errorf("line %d = %+v, want %+v", i, l, w)
		}
	}
}

func TestGroup_Empty(t *testing.T) {
	if lines := Group(nil); len(lines) != 0 {
		t.Fatalf("Group(nil) = %+v", lines)
	}
}

func TestAllocateProportional_CoversDuration(t *testing.T) {
	in := []asr.Token{{Text: "a"}, {Text: "bbb"}, {Text: "cccc"}}
	total := 4 * time.Second

	out := AllocateProportional(in, total)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Start != 0 {
		t.Errorf("first start = %v, want 0", out[0].Start)
	}
	if out[2].End != total {
		t.Errorf("last end = %v, want %v", out[2].End, total)
	}
	// 1 + 3 + 4 = 8 characters over 4 s.
	if out[1].Start != 500*time.Millisecond || out[1].End != 2*time.Second {
		t.Errorf("middle token = [%v, %v], want [500ms, 2s]", out[1].Start, out[1].End)
	}
	for i := range out {
		if !out[i].HasTime {
			t.Errorf("token %d not marked timed", i)
		}
		if i > 0 && out[i].Start != out[i-1].End {
			t.Errorf("gap between token %d and %d", i-1, i)
		}
	}
	if in[0].HasTime {
		t.Error("input was mutated")
	}
}

func TestAllocateProportional_SplitsPhrases(t *testing.T) {
	in := []asr.Token{{Text: "hello there how are you doing today friend", Confidence: 0.9}}

	out := AllocateProportional(in, 3*time.Second)
	if len(out) != 8 {
		t.Fatalf("len = %d (%+v), want 8 words", len(out), out)
	}
	if out[0].Text != "hello" || out[7].Text != "friend" {
		t.Errorf("words = %q .. %q", out[0].Text, out[7].Text)
	}
	if out[7].End != 3*time.Second || out[7].Confidence != 0.9 {
		t.Errorf("last word = %+v", out[7])
	}

	segs := []diarize.Segment{
		{Start: 0, End: 1500 * time.Millisecond, SpeakerID: 1, Label: "Speaker_1"},
		{Start: 1500 * time.Millisecond, End: 3 * time.Second, SpeakerID: 2, Label: "Speaker_2"},
	}
	lines := Group(Merge(out, segs))
	if len(lines) != 2 {
		t.Fatalf("lines = %+v, want one per speaker", lines)
	}
	if lines[0].Label != "Speaker_1" || lines[1].Label != "Speaker_2" {
		t.Errorf("labels = %q, %q", lines[0].Label, lines[1].Label)
	}
}

func TestSpreadPhrases(t *testing.T) {
	in := []asr.Token{
		tok("hi", 0, 200*time.Millisecond),
		tok("ab cd", time.Second, 2*time.Second),
		{Text: "loose words"},
	}
	out := SpreadPhrases(in)
	if len(out) != 4 {
		t.Fatalf("len = %d (%+v), want 4", len(out), out)
	}
	if out[1].Text != "ab" || out[1].Start != time.Second || out[1].End != 1500*time.Millisecond {
		t.Errorf("first half = %+v", out[1])
	}
	if out[2].Text != "cd" || out[2].Start != 1500*time.Millisecond || out[2].End != 2*time.Second {
		t.Errorf("second half = %+v", out[2])
	}
	if out[3].HasTime || out[3].Text != "loose words" {
		t.Errorf("untimed token changed: %+v", out[3])
	}
}

func TestSplitWords_DropsBlank(t *testing.T) {
	out := SplitWords([]asr.Token{{Text: "  "}, {Text: "a  b"}, {Text: ""}})
	if len(out) != 2 || out[0].Text != "a" || out[1].Text != "b" {
		t.Errorf("SplitWords = %+v", out)
	}
}

func TestAllocateProportional_Empty(t *testing.T) {
	if out := AllocateProportional(nil, time.Second); len(out) != 0 {
		t.Fatalf("got %+v", out)
	}
}
