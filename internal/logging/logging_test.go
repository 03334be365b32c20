package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesLevelMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false
	h := NewHandler(&buf, &opts)

	logger := slog.New(h)
	logger.Info("piece sent", "peer", 7, "index", 3)

	out := buf.String()
	if !strings.Contains(out, "INFO") {
		t.Errorf("missing level: %q", out)
	}
	if !strings.Contains(out, "piece sent") {
		t.Errorf("missing message: %q", out)
	}
	if !strings.Contains(out, `"peer"`) || !strings.Contains(out, `"index"`) {
		t.Errorf("missing attrs: %q", out)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.Slog.Level = slog.LevelWarn
	h := NewHandler(&bytes.Buffer{}, &opts)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestWithAttrsCarriesForward(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false
	h := NewHandler(&buf, &opts)

	logger := slog.New(h).With("component", "senderloop")
	logger.Info("tick")

	if !strings.Contains(buf.String(), `"component"`) {
		t.Errorf("expected carried attr in output: %q", buf.String())
	}
}
