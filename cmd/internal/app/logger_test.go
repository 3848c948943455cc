package app

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"session.open"`},
		{format: "", want: `"msg":"session.open"`},
		{format: "text", want: "msg=session.open"},
		{format: "pretty", want: "msg=session.open"},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		log := slog.New(newHandler(&buf, "debug", tc.format))
		log.Debug("session.open", "session_id", 42)

		out := buf.String()
		if !strings.Contains(out, tc.want) {
			t.Fatalf("format %q: output %q does not contain %q", tc.format, out, tc.want)
		}
		if !strings.Contains(out, "42") {
			t.Fatalf("format %q: output %q lost session_id", tc.format, out)
		}
	}
}

func TestNewHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", "json"))
	log.Info("bus.connect")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	log.Warn("bus.connect.fail")
	if buf.Len() == 0 {
		t.Fatalf("warn record dropped at warn level")
	}
}

func TestColorEnabledOnlyForTerminals(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "gateway.log"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	var buf bytes.Buffer
	for name, out := range map[string]io.Writer{
		"buffer":       &buf,
		"regular file": f,
		"pipe":         w,
	} {
		if colorEnabled(out) {
			t.Fatalf("%s: color enabled for a non-terminal writer", name)
		}
	}

	var pretty bytes.Buffer
	slog.New(newHandler(f, "info", "pretty")).Info("session.open")
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := pretty.ReadFrom(f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(pretty.String(), "\x1b[") {
		t.Fatalf("pretty output to a file carries ANSI codes: %q", pretty.String())
	}
}

func TestColorEnabledHonoursNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	if colorEnabled(os.Stdout) {
		t.Fatalf("NO_COLOR set but color enabled")
	}
}
