package install

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPOffer asks the platform shell at URL to show its install prompt and
// waits for the user's answer.
type HTTPOffer struct {
	Client *http.Client
	URL    string
	// Meta is forwarded to the shell verbatim.
	Meta map[string]string
}

type promptReq struct {
	Meta map[string]string `json:"meta,omitempty"`
}

type promptResp struct {
	Outcome Outcome `json:"outcome"`
}

func NewHTTPOffer(url string, timeout time.Duration) *HTTPOffer {
	return &HTTPOffer{Client: &http.Client{Timeout: timeout}, URL: url}
}

func (o *HTTPOffer) Prompt(ctx context.Context) (Outcome, error) {
	if o.URL == "" {
		return "", fmt.Errorf("empty prompt url")
	}
	body, _ := json.Marshal(promptReq{Meta: o.Meta})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	cli := o.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("install prompt status=%d", resp.StatusCode)
	}
	var out promptResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode install prompt: %w", err)
	}
	switch out.Outcome {
	case Accepted, Dismissed:
		return out.Outcome, nil
	}
	return "", fmt.Errorf("install prompt outcome %q", out.Outcome)
}
