package server

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "go.uber.org/zap"

    "ttpush/pkg/broker"
    "ttpush/pkg/config"
    "ttpush/pkg/heartbeat"
    "ttpush/pkg/session"
    "ttpush/pkg/transport"
    "ttpush/pkg/transport/longpoll"
)

func newTestServer(t *testing.T, pollTimeout time.Duration, hooksFor HooksFactory) (*Server, *broker.Broker) {
    t.Helper()
    cfg := config.Default()
    bk := broker.New(broker.Options{BacklogSize: 64})
    beat := heartbeat.New(heartbeat.Options{})
    tr := longpoll.New(bk, beat,
        longpoll.Config{PollTimeout: pollTimeout},
        longpoll.WithLogger(zap.NewNop()))
    opts := []Option{WithLogger(zap.NewNop())}
    if hooksFor != nil {
        opts = append(opts, WithHooks(hooksFor))
    }
    return New(tr, bk, cfg, opts...), bk
}

func TestNegotiateIssuesTokenAndHints(t *testing.T) {
    cfg := config.Default()
    cfg.Transport.PollTimeoutMS = 90000
    cfg.Transport.PollDelayMS = 250
    bk := broker.New(broker.Options{})
    beat := heartbeat.New(heartbeat.Options{})
    tr := longpoll.New(bk, beat, longpoll.Config{}, longpoll.WithLogger(zap.NewNop()))
    srv := New(tr, bk, cfg, WithLogger(zap.NewNop()))

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/negotiate", nil))

    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
    var body struct {
        ConnectionID  string `json:"connectionId"`
        PollTimeoutMs int    `json:"pollTimeoutMs"`
        PollDelayMs   int    `json:"pollDelayMs"`
    }
    if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
        t.Fatalf("decode negotiate body: %v", err)
    }
    if len(body.ConnectionID) != 36 {
        t.Fatalf("connectionId %q is not a uuid", body.ConnectionID)
    }
    if body.PollTimeoutMs != 90000 || body.PollDelayMs != 250 {
        t.Fatalf("hints = %d/%d, want 90000/250", body.PollTimeoutMs, body.PollDelayMs)
    }
    if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
        t.Fatalf("Cache-Control = %q, want no-store", cc)
    }
}

func TestPublishThenPollDeliversMessage(t *testing.T) {
    srv, bk := newTestServer(t, 2*time.Second, nil)

    if _, err := bk.Publish("c1", []byte(`{"v":1}`)); err != nil {
        t.Fatalf("publish: %v", err)
    }

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/c1/connect", nil))

    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
    body := rec.Body.String()
    if !strings.Contains(body, `{"v":1}`) || !strings.Contains(body, `"lastId":"1"`) {
        t.Fatalf("unexpected poll body %q", body)
    }
}

func TestAdminPublishEndpoint(t *testing.T) {
    srv, _ := newTestServer(t, 2*time.Second, nil)

    rec := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/admin/publish?connection=c2", strings.NewReader(`"hi"`))
    srv.ServeHTTP(rec, req)

    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
    var out struct {
        ID uint64 `json:"id"`
    }
    if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
        t.Fatalf("decode publish response: %v", err)
    }
    if out.ID != 1 {
        t.Fatalf("id = %d, want 1", out.ID)
    }

    poll := httptest.NewRecorder()
    srv.ServeHTTP(poll, httptest.NewRequest(http.MethodGet, "/push/c2?messageId=0", nil))
    if !strings.Contains(poll.Body.String(), `"hi"`) {
        t.Fatalf("poll did not deliver published message: %q", poll.Body.String())
    }
}

func TestAdminPublishRequiresPostAndConnection(t *testing.T) {
    srv, _ := newTestServer(t, time.Second, nil)

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/publish?connection=c1", nil))
    if rec.Code != http.StatusMethodNotAllowed {
        t.Fatalf("GET status = %d, want 405", rec.Code)
    }

    rec = httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/publish", strings.NewReader("x")))
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("missing connection status = %d, want 400", rec.Code)
    }
}

func TestAdminAbortWakesPendingPoll(t *testing.T) {
    srv, _ := newTestServer(t, 5*time.Second, nil)

    done := make(chan string, 1)
    go func() {
        rec := httptest.NewRecorder()
        srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/c3/connect", nil))
        done <- rec.Body.String()
    }()
    time.Sleep(50 * time.Millisecond)

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/abort?connection=c3", nil))
    if rec.Code != http.StatusNoContent {
        t.Fatalf("abort status = %d, want 204", rec.Code)
    }

    select {
    case body := <-done:
        if !strings.Contains(body, `"aborted":true`) {
            t.Fatalf("poll body %q missing aborted flag", body)
        }
    case <-time.After(2 * time.Second):
        t.Fatal("pending poll was not woken by abort")
    }
}

func TestAbortRouteCompletesWithoutBody(t *testing.T) {
    srv, _ := newTestServer(t, time.Second, nil)

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push/c4/abort", nil))

    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
    if rec.Body.Len() != 0 {
        t.Fatalf("abort wrote body %q", rec.Body.String())
    }
}

func TestUnrecognizedPushOperationIs404(t *testing.T) {
    srv, _ := newTestServer(t, time.Second, nil)

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/c5/unknown", nil))
    if rec.Code != http.StatusNotFound {
        t.Fatalf("status = %d, want 404", rec.Code)
    }

    rec = httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
    if rec.Code != http.StatusNotFound {
        t.Fatalf("status = %d, want 404", rec.Code)
    }
}

func TestSessionValidationRejectsUnknownTokens(t *testing.T) {
    cfg := config.Default()
    bk := broker.New(broker.Options{})
    beat := heartbeat.New(heartbeat.Options{})
    tr := longpoll.New(bk, beat,
        longpoll.Config{PollTimeout: 100 * time.Millisecond},
        longpoll.WithLogger(zap.NewNop()))
    sessions := session.New(session.Options{TTL: time.Minute})
    defer sessions.Close()
    srv := New(tr, bk, cfg, WithSessions(sessions), WithLogger(zap.NewNop()))

    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/forged/connect", nil))
    if rec.Code != http.StatusNotFound {
        t.Fatalf("forged token status = %d, want 404", rec.Code)
    }

    rec = httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/negotiate", nil))
    var neg struct {
        ConnectionID string `json:"connectionId"`
    }
    if err := json.Unmarshal(rec.Body.Bytes(), &neg); err != nil {
        t.Fatalf("decode negotiate: %v", err)
    }

    rec = httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/"+neg.ConnectionID+"/connect", nil))
    if rec.Code != http.StatusOK {
        t.Fatalf("negotiated token status = %d, want 200", rec.Code)
    }

    rec = httptest.NewRecorder()
    srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push/"+neg.ConnectionID+"/abort", nil))
    if rec.Code != http.StatusOK {
        t.Fatalf("abort status = %d, want 200", rec.Code)
    }
    if sessions.Exists(neg.ConnectionID) {
        t.Fatal("session survived abort")
    }
}

func TestSendRouteInvokesReceivedHook(t *testing.T) {
    got := make(chan string, 1)
    hooksFor := func(id transport.ConnectionID) transport.Hooks {
        return transport.Hooks{
            Received: func(_ context.Context, data string) error {
                got <- string(id) + ":" + data
                return nil
            },
        }
    }
    srv, _ := newTestServer(t, time.Second, hooksFor)

    form := strings.NewReader("data=payload")
    req := httptest.NewRequest(http.MethodPost, "/push/c6/send", form)
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    rec := httptest.NewRecorder()
    srv.ServeHTTP(rec, req)

    if rec.Code != http.StatusOK {
        t.Fatalf("status = %d, want 200", rec.Code)
    }
    select {
    case d := <-got:
        if d != "c6:payload" {
            t.Fatalf("received %q, want c6:payload", d)
        }
    default:
        t.Fatal("Received hook was not invoked")
    }
}
