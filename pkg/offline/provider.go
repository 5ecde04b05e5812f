package offline

import "context"

// Sender delivers one queued action to the server. A nil error is the
// server's acknowledgment; only then may the action leave the queue.
type Sender interface {
	Type() string
	Send(ctx context.Context, a Action) error
}
