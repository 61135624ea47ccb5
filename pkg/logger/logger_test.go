package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bizagent.log")
	log, err := New(&Config{
		Level:      LevelInfo,
		OutputPath: path,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.Debug("hidden debug line")
	log.Info("session started", zap.String("session_id", "s-1"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"session_id":"s-1"`) {
		t.Fatalf("expected structured field in log file, got %q", content)
	}
	if strings.Contains(content, "hidden debug line") {
		t.Fatalf("debug line should be filtered at info level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   Level
		wantErr bool
	}{
		{LevelDebug, false},
		{LevelInfo, false},
		{LevelWarn, false},
		{LevelError, false},
		{LevelFatal, false},
		{Level("verbose"), true},
	}

	for _, tt := range tests {
		_, err := parseLevel(tt.level)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
		}
	}
}

func TestDerivedLoggersCarryFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "derived.log")
	log, err := New(&Config{Level: LevelInfo, OutputPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.Named("session").ForSession("s-1", "c-1").ForLink("l-1").Info("turn finished")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	for _, want := range []string{`"logger":"session"`, `"session_id":"s-1"`, `"conversation_id":"c-1"`, `"link_id":"l-1"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %s in %q", want, content)
		}
	}
}

func TestEnabled(t *testing.T) {
	log, err := New(&Config{Level: LevelWarn})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info must be filtered at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatalf("error must pass at warn level")
	}
	if NewNop().Enabled(LevelError) {
		t.Fatalf("nop logger writes nothing")
	}
}
