package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "license-server",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "license-server" {
		t.Fatalf("expected base component license-server, got %s", baseComponent)
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console"})

	mu.RLock()
	defer mu.RUnlock()
	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestInitAutoFormatWithoutTerminalUsesJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)
	orig := isTerminalFn
	isTerminalFn = func(int) bool { return false }
	t.Cleanup(func() { isTerminalFn = orig })

	Init(Config{Format: "auto"})

	mu.RLock()
	defer mu.RUnlock()
	if baseWriter != os.Stderr {
		t.Fatalf("expected raw stderr writer, got %T", baseWriter)
	}
}

func TestNewLoggerInheritsComponentWhenEmpty(t *testing.T) {
	t.Cleanup(resetLoggingState)
	Init(Config{Format: "json", Component: "license-server"})

	var buf bytes.Buffer
	logger := New("", WithWriter(&buf), WithField("store", "sqlite"))
	logger.Info().Msg("hello")

	event := readJSONLine(t, &buf)
	if event["component"] != "license-server" {
		t.Fatalf("expected inherited component, got %v", event["component"])
	}
	if event["store"] != "sqlite" {
		t.Fatalf("expected static field, got %v", event["store"])
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)
	Init(Config{Format: "json", Level: "info"})

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := GetRequestID(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	var buf bytes.Buffer
	ctx = WithLogger(ctx, New("api", WithWriter(&buf)))
	FromContext(ctx).Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %s, got %v", generated, event["request_id"])
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "   ")
	if id == "" {
		t.Fatal("expected generated id for whitespace input")
	}
	if GetRequestID(ctx) != id {
		t.Fatalf("expected context request id %s, got %s", id, GetRequestID(ctx))
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf).With().Timestamp().Logger()
	log.Logger = baseLogger
	mu.Unlock()

	FromContext(context.Background()).Info().Msg("no-request")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("did not expect request_id, got %v", event["request_id"])
	}
}

func TestMiddlewareEchoesRequestIDAndLogs(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	log.Logger = zerolog.New(&buf)
	mu.Unlock()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/activate", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-abc" {
		t.Fatalf("handler saw request id %q", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Fatalf("response header = %q", got)
	}
	event := readJSONLine(t, &buf)
	if event["status"] != float64(http.StatusTeapot) || event["path"] != "/api/activate" {
		t.Fatalf("unexpected access log: %v", event)
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)
	Init(Config{Level: "warn"})

	if IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
}
