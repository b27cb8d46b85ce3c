// Package registry tracks open connections and the symbols each one is
// subscribed to.
//
// Every operation runs under one mutex so that a connection and its
// subscriptions are always added, read and removed together. Callers copy
// what they need (Plan, SubscribersOf) and do their I/O after the call
// returns.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var ErrUnknownConnection = errors.New("registry: unknown connection")

// ConnectionID identifies one physical connection. IDs are random v4 UUIDs
// and are never handed out twice.
type ConnectionID = uuid.UUID

func NewConnectionID() ConnectionID {
	return uuid.New()
}

// Target is a copied (id, connection) pair safe to use after the lock is
// released.
type Target[C any] struct {
	ID   ConnectionID
	Conn C
}

type Registry[C any] struct {
	mu    sync.Mutex
	conns map[ConnectionID]C
	subs  map[ConnectionID]map[string]struct{}
}

func New[C any]() *Registry[C] {
	return &Registry[C]{
		conns: make(map[ConnectionID]C),
		subs:  make(map[ConnectionID]map[string]struct{}),
	}
}

// Add registers conn under id. It reports false if id is already present.
func (r *Registry[C]) Add(id ConnectionID, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = conn
	return true
}

// Remove drops the connection and all of its subscriptions.
func (r *Registry[C]) Remove(id ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	delete(r.subs, id)
	return true
}

// Subscribe adds symbol to the connection's set. Repeating it is a no-op
// and reports added=false.
func (r *Registry[C]) Subscribe(id ConnectionID, symbol string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false, ErrUnknownConnection
	}
	set, ok := r.subs[id]
	if !ok {
		set = make(map[string]struct{})
		r.subs[id] = set
	}
	if _, ok := set[symbol]; ok {
		return false, nil
	}
	set[symbol] = struct{}{}
	return true, nil
}

// Unsubscribe removes symbol from the connection's set. Unsubscribing a
// symbol that was never subscribed is a no-op.
func (r *Registry[C]) Unsubscribe(id ConnectionID, symbol string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false, ErrUnknownConnection
	}
	set, ok := r.subs[id]
	if !ok {
		return false, nil
	}
	if _, ok := set[symbol]; !ok {
		return false, nil
	}
	delete(set, symbol)
	if len(set) == 0 {
		delete(r.subs, id)
	}
	return true, nil
}

// SymbolSet returns the sorted union of every connection's subscriptions.
func (r *Registry[C]) SymbolSet() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, set := range r.subs {
		for symbol := range set {
			seen[symbol] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// SubscribersOf returns the connections subscribed to symbol.
func (r *Registry[C]) SubscribersOf(symbol string) []Target[C] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Target[C]
	for id, set := range r.subs {
		if _, ok := set[symbol]; ok {
			out = append(out, Target[C]{ID: id, Conn: r.conns[id]})
		}
	}
	return out
}

// Plan copies, in one critical section, every symbol of interest together
// with its subscribers.
func (r *Registry[C]) Plan() map[string][]Target[C] {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan := make(map[string][]Target[C])
	for id, set := range r.subs {
		conn := r.conns[id]
		for symbol := range set {
			plan[symbol] = append(plan[symbol], Target[C]{ID: id, Conn: conn})
		}
	}
	return plan
}

// Subscriptions returns the sorted symbols of one connection.
func (r *Registry[C]) Subscriptions(id ConnectionID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.subs[id])
}

// IsSubscribed reports whether id is open and subscribed to symbol.
func (r *Registry[C]) IsSubscribed(id ConnectionID, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[id][symbol]
	return ok
}

// Lookup returns the connection registered under id.
func (r *Registry[C]) Lookup(id ConnectionID) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of open connections.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
