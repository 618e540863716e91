package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		want    zerolog.Level
		wantErr bool
	}{
		{name: "default", want: zerolog.InfoLevel},
		{name: "debug", level: "DEBUG", want: zerolog.DebugLevel},
		{name: "invalid", level: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("summarizer", tt.level, "json", &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && logger.GetLevel() != tt.want {
				t.Fatalf("level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("summarizer", "info", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}

	h := Middleware("summarizer", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/start_summarizer", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access line is not JSON: %v (%q)", err, buf.String())
	}
	if line["method"] != "POST" || line["path"] != "/start_summarizer" || line["status"] != float64(http.StatusAccepted) {
		t.Fatalf("access line = %v", line)
	}
	if line["service"] != "summarizer" || line["component"] != "http" {
		t.Fatalf("access line fields = %v", line)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, _, err := Init(context.Background(), Options{}); err == nil {
		t.Fatal("Init() without a service name should fail")
	}
}
