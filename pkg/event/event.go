package event

import "time"

type Kind string

const (
	// interceptor lifecycle
	Installing       Kind = "installing"
	Installed        Kind = "installed"
	Activating       Kind = "activating"
	Activated        Kind = "activated"
	Redundant        Kind = "redundant"
	ControllerChange Kind = "controllerchange"

	// connectivity + queue
	Online       Kind = "online"
	Offline      Kind = "offline"
	QueueChanged Kind = "queue_changed"
	Synced       Kind = "synced"

	// install prompt
	Installable      Kind = "installable"
	InstallAccepted  Kind = "install_accepted"
	InstallDismissed Kind = "install_dismissed"
	AppInstalled     Kind = "app_installed"
)

// Event is the envelope broadcast to page clients and UI subscribers.
// Treat it as a contract: consumers decode it from JSON.
type Event struct {
	Kind     Kind              `json:"kind"`
	TS       int64             `json:"ts"` // unix millis
	Version  string            `json:"version,omitempty"`
	QueueLen int               `json:"queue_len,omitempty"`
	Online   *bool             `json:"online,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func New(kind Kind) Event {
	return Event{Kind: kind, TS: time.Now().UnixMilli()}
}

func (e Event) WithVersion(v string) Event {
	e.Version = v
	return e
}

func (e Event) WithOnline(online bool) Event {
	e.Online = &online
	return e
}
