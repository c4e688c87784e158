// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"

	"github.com/archestra/gateway/pkg/errkind"
)

// State is the lifecycle phase of one cached tool server client.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateReady
	StateInUse
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateInUse:
		return "in_use"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type transportKind int

const (
	kindStdio transportKind = iota
	kindHTTP
)

func (k transportKind) String() string {
	if k == kindStdio {
		return "stdio"
	}
	return "http"
}

// clientEntry is one live connection in the dispatcher cache. The limiter
// serializes stdio calls and caps HTTP concurrency; names maps lowercase tool
// names to the server's canonical spelling.
type clientEntry struct {
	key      string
	kind     transportKind
	session  ClientSession
	limiter  *semaphore.Weighted
	names    *ttlcache.Cache[string, string]
	endpoint string
	podName  string

	mu       sync.Mutex
	state    State
	inflight int
}

func newClientEntry(key string, kind transportKind) *clientEntry {
	return &clientEntry{key: key, kind: kind, state: StateNew}
}

// connecting marks the entry as dialing. Only valid from New.
func (e *clientEntry) connecting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateNew {
		e.state = StateConnecting
	}
}

// ready installs the established session and opens the entry for calls.
func (e *clientEntry) ready(session ClientSession, maxInFlight int64, nameTTL time.Duration) {
	names := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](nameTTL),
	)
	go names.Start()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = session
	e.limiter = semaphore.NewWeighted(maxInFlight)
	e.names = names
	e.state = StateReady
}

// begin reserves the entry for one call. Closing or closed entries reject the
// call with a StaleSession so the caller's single retry rebuilds the client.
func (e *clientEntry) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateReady, StateInUse:
		e.inflight++
		e.state = StateInUse
		return nil
	default:
		return errkind.Newf(errkind.StaleSession, "tool server client for %s is %s", e.key, e.state)
	}
}

// end releases one call reservation.
func (e *clientEntry) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.inflight <= 0 && e.state == StateInUse {
		e.inflight = 0
		e.state = StateReady
	}
}

// close tears the entry down. Safe to call from any state and idempotent.
func (e *clientEntry) close() {
	e.mu.Lock()
	if e.state == StateClosing || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosing
	session := e.session
	names := e.names
	e.mu.Unlock()

	if names != nil {
		names.Stop()
	}
	if session != nil {
		_ = session.Close()
	}

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
}

// State reports the current lifecycle phase.
func (e *clientEntry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
