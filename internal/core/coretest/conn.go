// Package coretest provides in-memory transports for tests.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Relay/internal/core"
)

// Conn records every frame it is sent. Full makes TrySend report backpressure.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Types lists the "type" field of every recorded frame.
func (c *Conn) Types() []string {
	var out []string
	for _, f := range c.Frames() {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// Last decodes the most recent frame of type t into v.
func (c *Conn) Last(t string, v any) bool {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frames[i], &env) == nil && env.Type == t {
			return json.Unmarshal(frames[i], v) == nil
		}
	}
	return false
}

// Resolver is a static core.ConnResolver.
type Resolver struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*Conn
}

func NewResolver() *Resolver {
	return &Resolver{conns: make(map[core.ConnID]*Conn)}
}

func (r *Resolver) Add(id core.ConnID) *Conn {
	c := NewConn()
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return c
}

func (r *Resolver) Remove(id core.ConnID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Resolver) Signal(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}
