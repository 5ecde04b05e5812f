package interceptor

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/internal/metrics"
	"github.com/lzyats/core-offline-go/pkg/event"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/store/storeiface"
)

type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Release is one generation of cached assets. Changing Manifest requires a
// new Version.
type Release struct {
	Version  string
	Manifest []string
}

// InstallError reports an aborted installation. The previously live
// namespace, if any, keeps serving.
type InstallError struct {
	Version string
	Path    string
	Err     error
}

func (e *InstallError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("install %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("install %s: seed %s: %v", e.Version, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Status is a point-in-time view of the lifecycle. Failed names the last
// release whose installation aborted, until another release activates.
type Status struct {
	State   State  `json:"-"`
	Name    string `json:"state"`
	Live    string `json:"live,omitempty"`
	Pending string `json:"pending,omitempty"`
	Failed  string `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type seedFunc func(ctx context.Context, path string) (offline.CachedEntry, error)

// Manager owns cache namespace rotation: install seeds a namespace, activate
// deletes every other namespace and makes it the live one.
type Manager struct {
	store storeiface.CacheStore
	seed  seedFunc
	bus   *event.Bus
	log   *zap.Logger

	// mu serializes transitions; it is held across seeding I/O.
	mu sync.Mutex

	// smu guards the fields requests read, so serving never waits on mu.
	smu     sync.RWMutex
	state   State
	live    string
	pending string
	failed  *InstallError
}

func newManager(store storeiface.CacheStore, seed seedFunc, bus *event.Bus, log *zap.Logger) *Manager {
	return &Manager{store: store, seed: seed, bus: bus, log: log}
}

// Live returns the namespace currently serving intercepted requests, or ""
// before the first activation.
func (m *Manager) Live() string {
	m.smu.RLock()
	defer m.smu.RUnlock()
	return m.live
}

func (m *Manager) Status() Status {
	m.smu.RLock()
	defer m.smu.RUnlock()
	st := Status{State: m.state, Name: m.state.String(), Live: m.live, Pending: m.pending}
	if m.failed != nil {
		st.Failed = m.failed.Version
		st.Error = m.failed.Error()
	}
	return st
}

func (m *Manager) setState(s State, pending string) {
	m.smu.Lock()
	m.state = s
	m.pending = pending
	m.smu.Unlock()
}

// Resume adopts namespaces persisted by an earlier process so the previous
// version keeps serving while rel installs.
func (m *Manager) Resume(ctx context.Context, rel Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	var others []string
	has := false
	for _, n := range names {
		if n == rel.Version {
			has = true
			continue
		}
		others = append(others, n)
	}

	m.smu.Lock()
	defer m.smu.Unlock()
	switch {
	case has && len(others) == 0:
		m.live, m.state = rel.Version, StateActive
	case len(others) == 1:
		m.live, m.state = others[0], StateActive
	default:
		m.live, m.state = "", StateIdle
	}
	m.log.Info("cache namespaces resumed",
		zap.Strings("namespaces", names),
		zap.String("live", m.live),
		zap.String("release", rel.Version))
	return nil
}

// Install seeds rel.Version with every manifest asset. A single failed
// fetch aborts the whole installation and nothing is written.
func (m *Manager) Install(ctx context.Context, rel Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(ctx, rel)
}

func (m *Manager) install(ctx context.Context, rel Release) error {
	if rel.Version == "" {
		return offline.ErrInvalidArgument
	}
	m.setState(StateInstalling, rel.Version)
	m.bus.Publish(event.New(event.Installing).WithVersion(rel.Version))

	entries := make(map[string]offline.CachedEntry, len(rel.Manifest))
	for _, p := range rel.Manifest {
		key, err := seedKey(p)
		if err != nil {
			return m.abort(&InstallError{Version: rel.Version, Path: p, Err: err})
		}
		e, err := m.seed(ctx, key)
		if err != nil {
			return m.abort(&InstallError{Version: rel.Version, Path: p, Err: err})
		}
		entries[key] = e
	}
	if err := m.store.PutAll(ctx, rel.Version, entries); err != nil {
		return m.abort(&InstallError{Version: rel.Version, Err: err})
	}

	m.setState(StateInstalled, rel.Version)
	m.bus.Publish(event.New(event.Installed).WithVersion(rel.Version))
	m.log.Info("cache namespace installed", zap.String("version", rel.Version), zap.Int("assets", len(entries)))
	return nil
}

// abort drops the pending release. A live namespace keeps the manager
// active; with nothing live the manager is redundant.
func (m *Manager) abort(err *InstallError) error {
	m.smu.Lock()
	m.state = StateRedundant
	if m.live != "" {
		m.state = StateActive
	}
	m.pending = ""
	m.failed = err
	m.smu.Unlock()
	metrics.InstallFail.Inc()
	m.bus.Publish(event.New(event.Redundant).WithVersion(err.Version))
	m.log.Error("cache namespace install failed",
		zap.String("version", err.Version),
		zap.String("path", err.Path),
		zap.Error(err.Err))
	return err
}

// Activate deletes every namespace except version, then claims clients:
// subsequent requests are served from version without a restart.
func (m *Manager) Activate(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activate(ctx, version)
}

func (m *Manager) activate(ctx context.Context, version string) error {
	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, version) {
		return fmt.Errorf("activate %s: %w", version, offline.ErrNamespaceNotFound)
	}

	m.setState(StateActivating, version)
	m.bus.Publish(event.New(event.Activating).WithVersion(version))

	for _, n := range names {
		if n == version {
			continue
		}
		if _, err := m.store.DeleteNamespace(ctx, n); err != nil {
			return fmt.Errorf("activate %s: delete %s: %w", version, n, err)
		}
		metrics.NamespacesDeleted.Inc()
		m.log.Info("stale cache namespace deleted", zap.String("namespace", n))
	}

	m.smu.Lock()
	prev := m.live
	m.live = version
	m.state = StateActive
	m.pending = ""
	m.failed = nil
	m.smu.Unlock()

	metrics.Activations.Inc()
	m.bus.Publish(event.New(event.Activated).WithVersion(version))
	if prev != version {
		m.bus.Publish(event.New(event.ControllerChange).WithVersion(version))
	}
	m.log.Info("cache namespace active", zap.String("version", version), zap.String("previous", prev))
	return nil
}

// EnsureActive makes rel the single live namespace. It is idempotent:
// installation is skipped when the namespace already exists, and a call
// against an already clean active release does nothing.
func (m *Manager) EnsureActive(ctx context.Context, rel Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	st := m.Status()
	if st.State == StateActive && st.Live == rel.Version && len(names) == 1 && names[0] == rel.Version {
		return nil
	}
	if !slices.Contains(names, rel.Version) {
		if err := m.install(ctx, rel); err != nil {
			return err
		}
	}
	return m.activate(ctx, rel.Version)
}

func seedKey(p string) (string, error) {
	u, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	return cacheKey(u), nil
}
