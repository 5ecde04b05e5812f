package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/sonyflake"

	"github.com/lzyats/core-offline-go/pkg/connectivity"
	"github.com/lzyats/core-offline-go/pkg/install"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/runner"
	"github.com/lzyats/core-offline-go/pkg/store/memory"
)

type failingSender struct{ err error }

func (s *failingSender) Type() string { return "test" }

func (s *failingSender) Send(context.Context, offline.Action) error { return s.err }

func newTestServer(t *testing.T, sender offline.Sender, promptURL string) *httptest.Server {
	t.Helper()
	a, err := runner.NewAgent(context.Background(), offline.Settings{}, runner.Options{
		KV:     memory.New(),
		Sender: sender,
		Source: connectivity.SourceFunc(func() (bool, bool) { return false, true }),
		Bridge: install.New(nil, nil),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return 1, nil },
	})
	if sf == nil {
		t.Fatalf("sonyflake init failed")
	}
	srv := httptest.NewServer(New(a, Options{IDs: sf, PromptURL: promptURL, PromptTimeout: time.Second}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, []byte(buf.String())
}

func TestEnqueueAndState(t *testing.T) {
	srv := newTestServer(t, &failingSender{}, "")

	resp, body := do(t, http.MethodPost, srv.URL+"/queue", `{"id":"a1","type":"create-task","payload":{"name":"Pour foundation"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d body=%s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/queue", `{"type":"create-task"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue without id status = %d", resp.StatusCode)
	}
	var generated offline.Action
	if err := json.Unmarshal(body, &generated); err != nil || generated.ID == "" {
		t.Fatalf("generated id: %+v err=%v", generated, err)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/state", "")
	var st offline.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Online || len(st.Queue) != 2 || st.Queue[0].ID != "a1" {
		t.Fatalf("state = %+v", st)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/queue", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/state", "")
	if err := json.Unmarshal(body, &st); err != nil || len(st.Queue) != 0 {
		t.Fatalf("state after clear = %+v err=%v", st, err)
	}
}

func TestEnqueueRejectsMissingType(t *testing.T) {
	srv := newTestServer(t, &failingSender{}, "")
	resp, _ := do(t, http.MethodPost, srv.URL+"/queue", `{"id":"a1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncStatusCodes(t *testing.T) {
	sender := &failingSender{err: errors.New("503 from api")}
	srv := newTestServer(t, sender, "")
	do(t, http.MethodPost, srv.URL+"/queue", `{"id":"a1","type":"create-task"}`)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queue/sync", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offline sync status = %d, want 503", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/connectivity", `{"online":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connectivity status = %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/queue/sync", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failing sync status = %d body=%s, want 502", resp.StatusCode, body)
	}
	var res struct {
		Acked   int    `json:"acked"`
		Pending int    `json:"pending"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if res.Acked != 0 || res.Pending != 1 || res.Error == "" {
		t.Fatalf("sync result = %+v", res)
	}
}

func TestInstallFlow(t *testing.T) {
	shell := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outcome":"accepted"}`))
	}))
	defer shell.Close()
	srv := newTestServer(t, &failingSender{}, shell.URL)

	resp, _ := do(t, http.MethodPost, srv.URL+"/install", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("install without offer = %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/install/offer", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("offer status = %d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/install", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"accepted":true`) {
		t.Fatalf("install = %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/install/installed", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("installed status = %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/state", "")
	var st offline.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Installable || !st.Installed {
		t.Fatalf("state = %+v", st)
	}
}

func TestOfferUsesOnlyConfiguredPromptURL(t *testing.T) {
	var hits int
	elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"outcome":"accepted"}`))
	}))
	defer elsewhere.Close()
	srv := newTestServer(t, &failingSender{}, "http://127.0.0.1:1/prompt")

	resp, _ := do(t, http.MethodPost, srv.URL+"/install/offer", `{"prompt_url":"`+elsewhere.URL+`"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign prompt_url = %d, want 403", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/install", "")
	if resp.StatusCode != http.StatusNotFound || hits != 0 {
		t.Fatalf("install after rejected offer = %d, hits = %d", resp.StatusCode, hits)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/install/offer", `{"prompt_url":"http://127.0.0.1:1/prompt"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("matching prompt_url = %d, want 202", resp.StatusCode)
	}
}

func TestOfferWithoutConfiguredPromptURL(t *testing.T) {
	srv := newTestServer(t, &failingSender{}, "")
	resp, _ := do(t, http.MethodPost, srv.URL+"/install/offer", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offer = %d, want 503", resp.StatusCode)
	}
}
