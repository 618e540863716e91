package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/ports"
	"reportd/services/summarizer/internal/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	result    *session.Result
	startErr  error
	started   chan session.Request
	snapshots map[string]session.Snapshot
	confirmed map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		started:   make(chan session.Request, 1),
		snapshots: make(map[string]session.Snapshot),
		confirmed: make(map[string]bool),
	}
}

func (f *fakeSessions) Start(_ context.Context, req session.Request) (*session.Result, error) {
	f.started <- req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.result, nil
}

func (f *fakeSessions) Confirm(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cancelled, ok := f.confirmed[id]
	if !ok {
		return false, session.ErrUnknownSession
	}
	return cancelled, nil
}

func (f *fakeSessions) Status(id string) (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	return snap, ok
}

type fakeLinker struct{ key string }

func (l *fakeLinker) Link(_ context.Context, key string) (string, error) {
	l.key = key
	return "https://s3.test/" + key + "?signed", nil
}

type fakeHistory []model.Event

func (h fakeHistory) History(context.Context, string) ([]model.Event, error) { return h, nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

const startBody = `{"session_id":"s1","email":"user@example.com","files":[{"file_name":"a.pdf","file_url":"https://files.test/a.pdf","file_type":"assessment"}]}`

func newTestAPI(t *testing.T, sessions Sessions, mutate func(*Options)) http.Handler {
	t.Helper()
	opts := Options{Sessions: sessions, Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&opts)
	}
	api, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = api.Wait(ctx)
	})
	return api.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRoot(t *testing.T) {
	h := newTestAPI(t, newFakeSessions(), nil)
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "Summarizer is live" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ready", want: http.StatusOK},
		{name: "database down", err: errors.New("connection refused"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAPI(t, newFakeSessions(), func(o *Options) { o.Ready = []Pinger{pinger{err: tt.err}} })
			if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != tt.want {
				t.Fatalf("GET /readyz = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed", body: `{"session_id":`},
		{name: "missing email", body: `{"session_id":"s1","files":[{"file_url":"u"}]}`},
		{name: "no files", body: `{"session_id":"s1","email":"u@example.com","files":[]}`},
		{name: "blank id", body: `{"session_id":"  ","email":"u@example.com","files":[{"file_url":"u"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newFakeSessions()
			h := newTestAPI(t, sessions, nil)
			rec := do(t, h, http.MethodPost, "/start_summarizer", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if len(sessions.started) != 0 {
				t.Fatal("invalid request reached the lifecycle")
			}
		})
	}
}

func TestStartMissingFieldsMessage(t *testing.T) {
	h := newTestAPI(t, newFakeSessions(), nil)
	rec := do(t, h, http.MethodPost, "/start_summarizer", `{"session_id":"s1"}`)
	body := decode[map[string]string](t, rec)
	if body["error"] != missingFields {
		t.Fatalf("error = %q, want %q", body["error"], missingFields)
	}
}

func TestStartSync(t *testing.T) {
	sessions := newFakeSessions()
	sessions.result = &session.Result{
		Session:           model.Session{ID: "s1", Status: model.StatusDelivered},
		Link:              "https://dl.test/s1.zip",
		FilesIncluded:     []string{"a.pdf"},
		DuplicatesDropped: 1,
		Degraded:          ports.Degradations{{Action: "notify", Err: errors.New("timeout")}},
	}
	h := newTestAPI(t, sessions, nil)

	for _, path := range []string{"/start_summarizer", "/v1/sessions"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, path, startBody)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			<-sessions.started
			resp := decode[startResponse](t, rec)
			want := "Your reports have been emailed to user@example.com. You can also download them here: https://dl.test/s1.zip."
			if resp.Message != want {
				t.Fatalf("message = %q, want %q", resp.Message, want)
			}
			if resp.ZipURL != "https://dl.test/s1.zip" || resp.SessionID != "s1" || resp.DuplicatesDropped != 1 {
				t.Fatalf("response = %+v", resp)
			}
			if len(resp.Degraded) != 1 || resp.Degraded[0].Action != "notify" || resp.Degraded[0].Error != "timeout" {
				t.Fatalf("degraded = %+v", resp.Degraded)
			}
		})
	}
}

func TestStartSyncWithoutLink(t *testing.T) {
	sessions := newFakeSessions()
	sessions.result = &session.Result{Session: model.Session{ID: "s1", Status: model.StatusDelivered}}
	h := newTestAPI(t, sessions, nil)

	rec := do(t, h, http.MethodPost, "/start_summarizer", startBody)
	resp := decode[startResponse](t, rec)
	if resp.Message != "Your reports have been emailed to user@example.com." || resp.ZipURL != "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.FilesIncluded == nil || resp.Degraded == nil {
		t.Fatal("list fields must encode as empty arrays")
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "active", err: session.ErrSessionActive, want: http.StatusConflict},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "build failed", err: errors.New("build archive: disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newFakeSessions()
			sessions.startErr = tt.err
			h := newTestAPI(t, sessions, nil)
			if rec := do(t, h, http.MethodPost, "/start_summarizer", startBody); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStartAsync(t *testing.T) {
	sessions := newFakeSessions()
	sessions.result = &session.Result{Session: model.Session{ID: "s1", Status: model.StatusDelivered}}
	h := newTestAPI(t, sessions, func(o *Options) { o.Mode = ModeAsync })

	rec := do(t, h, http.MethodPost, "/start_summarizer", startBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["session_id"] != "s1" || body["status"] != "accepted" {
		t.Fatalf("body = %v", body)
	}
	select {
	case req := <-sessions.started:
		if req.Email != "user@example.com" {
			t.Fatalf("started with %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background delivery never started")
	}

	sessions.snapshots["s1"] = session.Snapshot{Session: model.Session{ID: "s1", Status: model.StatusDelivered}}
	if rec := do(t, h, http.MethodPost, "/start_summarizer", startBody); rec.Code != http.StatusConflict {
		t.Fatalf("status for an active session = %d, want 409", rec.Code)
	}
}

func TestConfirm(t *testing.T) {
	sessions := newFakeSessions()
	sessions.confirmed["s1"] = true
	sessions.confirmed["late"] = false
	h := newTestAPI(t, sessions, nil)

	tests := []struct {
		name          string
		path          string
		body          string
		want          int
		wantCancelled bool
	}{
		{name: "body", path: "/confirm", body: `{"session_id":"s1"}`, want: http.StatusOK, wantCancelled: true},
		{name: "path", path: "/v1/sessions/s1/confirm", want: http.StatusOK, wantCancelled: true},
		{name: "already fired", path: "/v1/sessions/late/confirm", want: http.StatusOK},
		{name: "unknown", path: "/v1/sessions/nope/confirm", want: http.StatusNotFound},
		{name: "missing id", path: "/confirm", body: `{}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code != http.StatusOK {
				return
			}
			if resp := decode[confirmResponse](t, rec); resp.Cancelled != tt.wantCancelled {
				t.Fatalf("cancelled = %v, want %v", resp.Cancelled, tt.wantCancelled)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	sessions := newFakeSessions()
	sessions.snapshots["s1"] = session.Snapshot{
		Session:    model.Session{ID: "s1", Status: model.StatusDelivered},
		ArchiveKey: "summaries/s1/s1_final_reports.zip",
		TimerState: "armed",
	}
	h := newTestAPI(t, sessions, nil)

	rec := do(t, h, http.MethodGet, "/v1/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "s1_final_reports.zip") {
		t.Fatal("archive key leaked in the status response")
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "delivered" || body["timer_state"] != "armed" {
		t.Fatalf("body = %v", body)
	}

	if rec := do(t, h, http.MethodGet, "/v1/sessions/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	h := newTestAPI(t, newFakeSessions(), nil)
	if rec := do(t, h, http.MethodGet, "/v1/sessions/s1/history", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("history without ledger = %d, want 501", rec.Code)
	}

	events := fakeHistory{{SessionID: "s1", From: model.StatusCollecting, To: model.StatusDelivered}}
	h = newTestAPI(t, newFakeSessions(), func(o *Options) { o.History = events })
	rec := do(t, h, http.MethodGet, "/v1/sessions/s1/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		SessionID string        `json:"session_id"`
		Events    []model.Event `json:"events"`
	}](t, rec)
	if body.SessionID != "s1" || len(body.Events) != 1 || body.Events[0].To != model.StatusDelivered {
		t.Fatalf("body = %+v", body)
	}
}

func TestLink(t *testing.T) {
	sessions := newFakeSessions()
	sessions.snapshots["s1"] = session.Snapshot{
		Session:    model.Session{ID: "s1", Status: model.StatusDelivered},
		ArchiveKey: "summaries/s1/s1_final_reports.zip",
	}
	sessions.snapshots["done"] = session.Snapshot{Session: model.Session{ID: "done", Status: model.StatusConfirmed}}

	if rec := do(t, newTestAPI(t, sessions, nil), http.MethodGet, "/v1/sessions/s1/link", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("link without storage = %d, want 501", rec.Code)
	}

	linker := &fakeLinker{}
	h := newTestAPI(t, sessions, func(o *Options) { o.Linker = linker })
	tests := []struct {
		id   string
		want int
	}{
		{id: "s1", want: http.StatusOK},
		{id: "done", want: http.StatusConflict},
		{id: "nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, "/v1/sessions/"+tt.id+"/link", ""); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if linker.key != "summaries/s1/s1_final_reports.zip" {
		t.Fatalf("presigned key = %q", linker.key)
	}
}
