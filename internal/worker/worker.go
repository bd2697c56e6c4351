// Package worker is the background execution context: a process-lifetime
// component, detached from any UI page, that mirrors attachment URLs into
// the resource cache and accepts fire-and-forget cache hints. It supports
// versioned supersession so a newer worker can be staged while the current
// one keeps serving, then promoted on demand.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avenlo/handoffd/internal/rescache"
)

// MessageType is the closed set of inbound message types.
type MessageType string

const (
	MessageCacheResource       MessageType = "cache-resource"
	MessageInvalidateResource  MessageType = "invalidate-resource"
	MessageClearStaleResources MessageType = "clear-stale-resources"
)

// Message is a fire-and-forget cache hint posted to the active instance.
// Delivery is unacknowledged; messages are hints, not correctness-critical
// state.
type Message struct {
	Type MessageType `json:"type"`
	URLs []string    `json:"urls,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Event is a message originating from the background instance toward
// subscribed pages.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// State of one worker instance.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "installed-waiting"
	StateActivated  State = "activated"
	StateStopped    State = "stopped"
)

const (
	inboxSize     = 64
	mirrorWorkers = 4
)

// Instance is one versioned worker. It consumes its inbox until stopped.
type Instance struct {
	version   int
	state     State
	inbox     chan Message
	cancel    context.CancelFunc
	resources *rescache.Cache
	client    *http.Client
	staleTTL  time.Duration
	emit      func(Event)
	logger    *slog.Logger
}

// Version returns the instance's version number.
func (in *Instance) Version() int { return in.version }

func (in *Instance) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in.inbox:
			in.handle(ctx, msg)
		}
	}
}

func (in *Instance) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageCacheResource:
		in.mirrorAll(ctx, msg.URLs)
	case MessageInvalidateResource:
		if err := in.resources.Invalidate(msg.URL); err != nil {
			in.logger.Warn("invalidating resource failed", "url", msg.URL, "error", err)
		}
	case MessageClearStaleResources:
		removed, err := in.resources.ClearStale(in.staleTTL)
		if err != nil {
			in.logger.Warn("clearing stale resources failed", "error", err)
			return
		}
		if removed > 0 {
			in.logger.Info("cleared stale resources", "count", removed)
		}
	default:
		in.logger.Warn("unknown worker message", "type", msg.Type)
	}
}

// mirrorAll fetches the given URLs concurrently, best-effort: individual
// failures are logged, never propagated.
func (in *Instance) mirrorAll(ctx context.Context, urls []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mirrorWorkers)

	var mu sync.Mutex
	cached := 0
	for _, url := range urls {
		if url == "" || in.resources.Has(url) {
			continue
		}
		url := url
		g.Go(func() error {
			if err := in.resources.Mirror(gctx, in.client, url); err != nil {
				in.logger.Warn("mirroring resource failed", "url", url, "error", err)
				return nil
			}
			mu.Lock()
			cached++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if cached > 0 && in.emit != nil {
		in.emit(Event{Type: "resources-cached", Payload: map[string]any{"count": cached}})
	}
}

// Manager owns the current and waiting worker instances and the
// subscription lists. If built without a resource cache every operation is
// a safe no-op returning false, so absence of the component degrades
// offline availability, never correctness.
type Manager struct {
	mu sync.Mutex

	resources *rescache.Cache // nil means unsupported
	client    *http.Client
	staleTTL  time.Duration
	logger    *slog.Logger

	current *Instance
	waiting *Instance
	nextVer int

	onMessage []func(Event)
	onUpdate  []func(version int)
	onWake    []func()

	refreshing bool // one-shot guard: at most one reload signal per activation
}

// NewManager builds a Manager. Pass a nil cache for the unsupported case.
func NewManager(resources *rescache.Cache, client *http.Client, staleTTL time.Duration) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		resources: resources,
		client:    client,
		staleTTL:  staleTTL,
		logger:    slog.Default(),
		nextVer:   1,
	}
}

// Supported reports whether a background execution context exists at all.
func (m *Manager) Supported() bool {
	return m.resources != nil
}

// Register starts the first worker instance and activates it immediately.
// Returns false when unsupported or already registered.
func (m *Manager) Register(ctx context.Context) bool {
	if !m.Supported() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return false
	}
	m.current = m.startInstance(ctx, StateActivated)
	m.logger.Info("background worker activated", "version", m.current.version)

	for _, fn := range m.onWake {
		go fn()
	}
	return true
}

// startInstance allocates and launches a new instance. Callers hold the lock.
func (m *Manager) startInstance(ctx context.Context, state State) *Instance {
	runCtx, cancel := context.WithCancel(ctx)
	in := &Instance{
		version:   m.nextVer,
		state:     state,
		inbox:     make(chan Message, inboxSize),
		cancel:    cancel,
		resources: m.resources,
		client:    m.client,
		staleTTL:  m.staleTTL,
		emit:      m.dispatch,
		logger:    m.logger,
	}
	m.nextVer++
	go in.run(runCtx)
	return in
}

// StageUpdate installs a new worker version in the waiting state. The
// current instance keeps serving until ActivateUpdate. Returns the staged
// version, or 0 when unsupported or nothing is currently registered.
func (m *Manager) StageUpdate(ctx context.Context) int {
	if !m.Supported() {
		return 0
	}
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return 0
	}
	if m.waiting != nil {
		// A newer staging replaces the previous waiting instance.
		m.waiting.cancel()
		m.waiting.state = StateStopped
	}
	m.waiting = m.startInstance(ctx, StateWaiting)
	m.refreshing = false
	version := m.waiting.version
	callbacks := append([]func(int){}, m.onUpdate...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(version)
	}
	m.dispatch(Event{Type: "update-available", Payload: map[string]any{"version": version}})
	return version
}

// ActivateUpdate promotes the waiting instance (the skip-waiting step). The
// superseded instance stops accepting messages; pages get exactly one
// reload signal per activation, guarded by the one-shot refreshing flag.
func (m *Manager) ActivateUpdate() bool {
	m.mu.Lock()
	if m.waiting == nil || m.refreshing {
		m.mu.Unlock()
		return false
	}
	m.refreshing = true

	old := m.current
	m.current = m.waiting
	m.current.state = StateActivated
	m.waiting = nil
	version := m.current.version
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		old.state = StateStopped
	}

	m.logger.Info("background worker updated", "version", version)
	m.dispatch(Event{Type: "reload", Payload: map[string]any{"version": version}})

	m.mu.Lock()
	for _, fn := range m.onWake {
		go fn()
	}
	m.mu.Unlock()
	return true
}

// PostMessage delivers a message to the active instance without blocking.
// Returns false when unsupported, unregistered, or the inbox is full — the
// message is simply dropped, as cache hints may be.
func (m *Manager) PostMessage(msg Message) bool {
	m.mu.Lock()
	in := m.current
	m.mu.Unlock()
	if in == nil {
		return false
	}
	select {
	case in.inbox <- msg:
		return true
	default:
		m.logger.Debug("worker inbox full, dropping message", "type", msg.Type)
		return false
	}
}

// CacheAudioURLs asks the worker to mirror the given audio resources. Thin
// wrapper over PostMessage.
func (m *Manager) CacheAudioURLs(urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	return m.PostMessage(Message{Type: MessageCacheResource, URLs: urls})
}

// CacheResources implements cache.ResourceMirror.
func (m *Manager) CacheResources(urls []string) bool {
	return m.CacheAudioURLs(urls)
}

// InvalidateResource implements cache.ResourceMirror.
func (m *Manager) InvalidateResource(url string) bool {
	return m.PostMessage(Message{Type: MessageInvalidateResource, URL: url})
}

// ClearStaleResources implements cache.ResourceMirror.
func (m *Manager) ClearStaleResources() bool {
	return m.PostMessage(Message{Type: MessageClearStaleResources})
}

// OnMessage subscribes to events originating from the background instance.
func (m *Manager) OnMessage(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, fn)
}

// OnUpdateAvailable subscribes to waiting-instance notifications.
func (m *Manager) OnUpdateAvailable(fn func(version int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = append(m.onUpdate, fn)
}

// OnWake subscribes to background wake-ups (registration and activation).
// The sync queue uses this to drain opportunistically.
func (m *Manager) OnWake(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWake = append(m.onWake, fn)
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	subs := append([]func(Event){}, m.onMessage...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Status describes the manager for diagnostics.
type Status struct {
	Supported      bool  `json:"supported"`
	State          State `json:"state"`
	Version        int   `json:"version,omitempty"`
	WaitingVersion int   `json:"waiting_version,omitempty"`
}

// GetStatus returns the current lifecycle view.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Supported: m.Supported()}
	if !st.Supported {
		return st
	}
	if m.current == nil {
		st.State = StateInstalling
		return st
	}
	st.State = m.current.state
	st.Version = m.current.version
	if m.waiting != nil {
		st.WaitingVersion = m.waiting.version
	}
	return st
}

// Stop cancels all instances.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.cancel()
		m.current.state = StateStopped
	}
	if m.waiting != nil {
		m.waiting.cancel()
		m.waiting.state = StateStopped
	}
}
