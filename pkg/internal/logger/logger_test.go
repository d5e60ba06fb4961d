package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"TRACE", LevelDebug, true},
		{" info ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"verbose", LevelInfo, false},
		{"", LevelInfo, false},
	}

	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelWarn)

	l.Info("dropped %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}

	l.Warn("kept %d", 2)
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unexpected output %q: %v", buf.String(), err)
	}
	if entry["message"] != "kept 2" || entry["level"] != "warn" || entry["component"] != "ese" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug not written after SetLevel: %q", buf.String())
	}
}

func TestScoped(t *testing.T) {
	var buf bytes.Buffer
	Scoped(NewWriterLogger(&buf, LevelInfo), "http").Info("request")
	if !strings.Contains(buf.String(), `"scope":"http"`) {
		t.Errorf("scope missing: %q", buf.String())
	}

	noop := NewNoOpLogger()
	if Scoped(noop, "http") != Logger(noop) {
		t.Error("Scoped wrapped a logger without scopes")
	}
}

func TestFrameDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelDebug)
	defer SetFrameDebug(false)

	SetFrameDebug(false)
	Frame(l, "tx", []byte{0x12, 0x00})
	if buf.Len() != 0 {
		t.Fatalf("frame dumped while disabled: %q", buf.String())
	}

	SetFrameDebug(true)
	Frame(l, "tx", []byte{0x12, 0x00, 0x01, 0xAB})
	if !strings.Contains(buf.String(), "tx 120001ab") {
		t.Errorf("frame dump = %q", buf.String())
	}
}

// lockedBuffer serializes writes from several goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestSetLevelWhileLogging tests changing levels and the default logger
// while other goroutines log through them
func TestSetLevelWhileLogging(t *testing.T) {
	out := &lockedBuffer{}
	l := NewWriterLogger(out, LevelInfo)
	scoped := l.With("t1")

	prev := GetDefault()
	defer SetDefault(prev)
	SetDefault(l)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				scoped.Debug("worker %d step %d", i, j)
				GetDefault().Info("worker %d step %d", i, j)
			}
		}(i)
	}
	for i := 0; i < 100; i++ {
		l.SetLevel(Level(i % 4))
		SetDefault(l)
	}
	wg.Wait()

	l.SetLevel(LevelError)
	before := out.String()
	scoped.Warn("hidden")
	if out.String() != before {
		t.Errorf("scoped logger ignored the parent level")
	}
	scoped.Error("shown")
	if !strings.Contains(out.String(), `"scope":"t1"`) {
		t.Errorf("scoped error missing: %q", out.String())
	}
}
