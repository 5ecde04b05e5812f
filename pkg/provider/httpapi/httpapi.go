package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// Sender replays queued actions against the application API. The action ID
// travels as Idempotency-Key so a retried delivery is applied once.
type Sender struct {
	Client  *http.Client
	BaseURL string // e.g. "https://app.example.com"
	Path    string // e.g. "/api/offline/actions"
}

func New(baseURL, path string, timeout time.Duration) *Sender {
	return &Sender{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: normalizeAddr(baseURL),
		Path:    path,
	}
}

func (s *Sender) Type() string { return "http" }

func normalizeAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func (s *Sender) Send(ctx context.Context, a offline.Action) error {
	if s.BaseURL == "" {
		return fmt.Errorf("httpapi: empty base url: %w", offline.ErrNotConfigured)
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+s.Path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("action %s status=%d", a.Type, resp.StatusCode)
	}
	return nil
}
