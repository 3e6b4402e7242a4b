package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"taskbridge/internal/app"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("http://127.0.0.1:1")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := app.Open(workspace, zerolog.Nop())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestRecordCommentIdempotent(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	payload := RecordCommentRequest{TaskRef: "TB-1", Text: "looks good", Profile: "ide"}
	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/events/comment", payload, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var first EventResponse
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if !first.Created || first.Event.Status != domain.EventStatusPending {
		t.Fatalf("first response = %+v", first)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/events/comment", payload, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate status = %d, body %s", resp.StatusCode, body)
	}
	var second EventResponse
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Fatal("duplicate record created a new event")
	}
	if second.Event.ID != first.Event.ID {
		t.Fatalf("duplicate returned id %s, want %s", second.Event.ID, first.Event.ID)
	}
}

func TestRecordCommentValidation(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/events/comment",
		RecordCommentRequest{TaskRef: "TB-1"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s, want bad_request", envelope.Error.Code)
	}
}

func TestRecordStatusAndListOutbox(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/events/status",
		RecordStatusRequest{TaskRef: "TB-2", To: "done"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/outbox?status=pending", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, body %s", resp.StatusCode, body)
	}
	var list OutboxListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Events) != 1 || list.Events[0].TaskRef != "TB-2" {
		t.Fatalf("events = %+v", list.Events)
	}
	if list.Counts["pending"] != 1 {
		t.Fatalf("counts = %v", list.Counts)
	}
}

func TestSyncDryRun(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/events/comment",
		RecordCommentRequest{TaskRef: "TB-1", Text: "a"}, nil)

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sync?dry_run=true", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var res domain.SyncResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Dry run must not mutate the outbox.
	pending, err := ts.App.Store.ListPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestJWTMiddleware(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})

	// Health stays open.
	resp, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/outbox", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/outbox", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, body %s", resp.StatusCode, body)
	}

	// Wrong-secret tokens are rejected.
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"})
	badSigned, _ := bad.SignedString([]byte("other-secret"))
	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/outbox", nil,
		map[string]string{"Authorization": "Bearer " + badSigned})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}
}
