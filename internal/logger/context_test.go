package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInContextAndFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := InContext(context.Background(), l)
	got := FromContext(ctx)
	got.Info().Msg("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("FromContext() logger did not write expected message, got %q", buf.String())
	}
}

func TestFromContextDefaultsToGlobal(t *testing.T) {
	l := FromContext(context.Background())
	if l.GetLevel() != zerolog.GlobalLevel() && l.GetLevel() != zerolog.Disabled {
		// Just exercise the no-panic path; the global logger has no fixed level guarantee here.
		return
	}
}
