package offline

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStateOmitsLastSyncedUntilFirstSync(t *testing.T) {
	b, err := json.Marshal(State{Online: true, Queue: []Action{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "last_synced") {
		t.Fatalf("never-synced state = %s", b)
	}

	at := time.UnixMilli(1700000000000).UTC()
	b, err = json.Marshal(ConnectivityState{Online: true, LastSynced: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ConnectivityState
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.LastSynced.Equal(at) {
		t.Fatalf("last synced = %v, want %v", back.LastSynced, at)
	}
}
