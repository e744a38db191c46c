package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownConn = errors.New("unknown connection")

type connEntry struct {
	Signal      core.SignalConnection
	User        domain.UserID
	ClientToken string
	Cancel      context.CancelFunc
}

// Registry is the Connection Registry: the authoritative map of live
// transport connections and the user each one is bound to.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry

	relMu     sync.RWMutex
	releasers []core.Releaser
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.ConnID]*connEntry),
	}
}

// OnUnregister adds a component that must forget a connection when it goes
// away. Releasers run in registration order.
func (r *Registry) OnUnregister(rel core.Releaser) {
	r.relMu.Lock()
	defer r.relMu.Unlock()
	r.releasers = append(r.releasers, rel)
}

func (r *Registry) Register(sc core.SignalConnection, clientToken string, cancel context.CancelFunc) core.ConnID {
	id := core.ConnID(uuid.NewString())
	r.mu.Lock()
	r.conns[id] = &connEntry{Signal: sc, ClientToken: clientToken, Cancel: cancel}
	r.mu.Unlock()
	metrics.ConnOpened()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("client", clientToken).Msg("registered connection")
	return id
}

func (r *Registry) BindUser(id core.ConnID, user domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	e.User = user
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("bound user")
	return nil
}

func (r *Registry) UserOf(id core.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.User == "" {
		return "", false
	}
	return e.User, true
}

// Signal implements core.ConnResolver.
func (r *Registry) Signal(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) ConnsOfUser(user domain.UserID) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ConnID
	for id, e := range r.conns {
		if e.User == user {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Unregister forgets id and fans the removal out to every releaser before
// returning. Unknown ids are a no-op: transport close races explicit leaves.
func (r *Registry) Unregister(id core.ConnID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.relMu.RLock()
	releasers := make([]core.Releaser, len(r.releasers))
	copy(releasers, r.releasers)
	r.relMu.RUnlock()
	for _, rel := range releasers {
		rel.Release(id)
	}
	metrics.ConnClosed()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unregistered connection")
}

// Cancel stops the connection's pumps; the adapter then unregisters it.
func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
