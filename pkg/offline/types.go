package offline

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Action is one unit of user intent that still has to reach the server.
// The caller assigns ID; the queue never rewrites an action once enqueued.
type Action struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a Action) Validate() error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Type) == "" {
		return ErrInvalidArgument
	}
	return nil
}

// CachedEntry is a stored response inside a cache namespace.
type CachedEntry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

type ConnectivityState struct {
	Online     bool      `json:"online"`
	LastSynced time.Time `json:"last_synced,omitzero"`
}

// State is the snapshot handed to the UI layer.
type State struct {
	Online      bool      `json:"online"`
	Queue       []Action  `json:"queue"`
	LastSynced  time.Time `json:"last_synced,omitzero"`
	Installable bool      `json:"installable"`
	Installed   bool      `json:"installed"`
}
