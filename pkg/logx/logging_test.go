package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "schedbot/internal/transport"
)

func TestWithFieldsAreWritten(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "jobqueue"))
	log.Info("job admitted", Int64("guild", 42), Bool("ok", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["comp"] != "jobqueue" {
		t.Fatalf("comp = %v, want jobqueue", m["comp"])
	}
	if m["guild"] != float64(42) {
		t.Fatalf("guild = %v, want 42", m["guild"])
	}
	if m["message"] != "job admitted" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "WARN")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelInfo) {
		t.Fatal("Enabled() disagrees with configured level")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestFormatChatLineSortsFields(t *testing.T) {
	line := []byte(`{"level":"warn","message":"queue full","zeta":1,"alpha":"x","time":"t"}`)
	got := formatChatLine(line)
	want := "[WARN] queue full\n- alpha=x\n- zeta=1"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	snd := &recordingSender{}
	svc, log := New(Config{Level: "DEBUG", Chat: ChatConfig{Enabled: false, MinLevel: "WARN", RatePerSec: 10}}, snd)
	t.Cleanup(func() { _ = svc.Close() })

	svc.SetChatTarget(-100123, 0)
	svc.Apply(Config{Level: "DEBUG", Chat: ChatConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 10}})

	log.Info("not forwarded")
	log.Warn("forwarded", String("guild", "g1"))

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.msgs) != 1 {
		t.Fatalf("forwarded %d messages, want 1: %v", len(snd.msgs), snd.msgs)
	}
	if !strings.HasPrefix(snd.msgs[0], "[WARN] forwarded") {
		t.Fatalf("unexpected message %q", snd.msgs[0])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.ErrorLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.ErrorLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
