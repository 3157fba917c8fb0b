package asr_test

import (
	"testing"
	"time"

	"github.com/MrWong99/captioner/pkg/provider/asr"
)

func TestResult_Text(t *testing.T) {
	r := asr.Result{Tokens: []asr.Token{{Text: " hello"}, {Text: ""}, {Text: "world "}}}
	if got := r.Text(); got != "hello world" {
		t.Errorf("Text = %q, want %q", got, "hello world")
	}
	if r.Empty() {
		t.Error("Empty = true for non-empty result")
	}
	if !(asr.Result{Tokens: []asr.Token{{Text: "  "}}}).Empty() {
		t.Error("whitespace-only result should be empty")
	}
}

func TestResult_Timed(t *testing.T) {
	if (asr.Result{}).Timed() {
		t.Error("empty result reported as timed")
	}
	r := asr.Result{Tokens: []asr.Token{{Text: "a", HasTime: true}, {Text: "b"}}}
	if r.Timed() {
		t.Error("partially timed result reported as timed")
	}
}

func TestTimeConversions(t *testing.T) {
	if got := asr.Seconds(1.25); got != 1250*time.Millisecond {
		t.Errorf("Seconds(1.25) = %v", got)
	}
	if got := asr.Centiseconds(150); got != 1500*time.Millisecond {
		t.Errorf("Centiseconds(150) = %v", got)
	}
}
