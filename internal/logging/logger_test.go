package logging

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error message")
			logger.Warnf("warn message")
			logger.Infof("info message")
			logger.Debugf("debug message")

			output := buf.String()

			if got := strings.Contains(output, "ERROR "); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN "); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO "); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG "); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	logger.Infof("should not appear")
	if strings.Contains(buf.String(), "should not appear") {
		t.Error("info logged at error level")
	}

	logger.SetLevel(LevelInfo)
	if logger.Level() != LevelInfo {
		t.Errorf("Level() = %v, want %v", logger.Level(), LevelInfo)
	}

	logger.Infof("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Error("info not logged at info level")
	}
}

func TestDefaultLogger_FatalDoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	logger.Fatalf("%sdisk gone", NSDB)

	output := buf.String()
	if !strings.Contains(output, "FATAL [db] disk gone") {
		t.Errorf("fatal line missing, got: %q", output)
	}
	if strings.Contains(output, "fatal=") {
		t.Errorf("fatal marker leaked into output: %q", output)
	}
}

func TestLogFormat_Standard(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Infof("%s%s", NSTxn, "lock wait started")

	line := regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} INFO \[txn\] lock wait started\n$`)
	if !line.MatchString(buf.String()) {
		t.Errorf("unexpected format: %q", buf.String())
	}
}

func TestFromLogrus(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	base.SetLevel(logrus.DebugLevel)

	logger := FromLogrus(base)
	logger.Debugf("hello %d", 7)

	if !strings.Contains(buf.String(), `msg="hello 7"`) {
		t.Errorf("logrus output = %q", buf.String())
	}
	if logger.Logrus() != base {
		t.Error("Logrus() did not return the wrapped logger")
	}
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", logger.Level())
	}
}

func TestParseLevel(t *testing.T) {
	for _, lv := range []Level{LevelError, LevelWarn, LevelInfo, LevelDebug} {
		got, ok := ParseLevel(lv.String())
		if !ok || got != lv {
			t.Errorf("ParseLevel(%q) = %v, %v", lv.String(), got, ok)
		}
	}
	if _, ok := ParseLevel("chatty"); ok {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if OrDefault(typedNil) == nil {
		t.Fatal("OrDefault returned nil for typed-nil")
	}
	if !IsNil(typedNil) || !IsNil(nil) {
		t.Error("IsNil did not detect nil loggers")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}
