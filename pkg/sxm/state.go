package sxm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/vatesfr/sxmd/internal/logger"
)

const (
	sendFile = "storage_mirrors_send.json"
	recvFile = "storage_mirrors_recv.json"
	copyFile = "storage_mirrors_copy.json"

	// DefaultPersistRoot is the directory the registry persists to when
	// the caller does not configure one (spec §4.2).
	DefaultPersistRoot = "/var/run/nonpersistent"
)

// Registry is the persistent operation registry (spec §4.2): three typed
// tables keyed by operation id, mirrored to three JSON files under
// persistRoot, mutex-guarded and lazy-loaded. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu sync.Mutex

	persistRoot string
	loaded      bool

	send map[string]*SendState
	recv map[string]*ReceiveState
	copy map[string]*CopyState
}

// NewRegistry returns a Registry rooted at persistRoot. If persistRoot is
// empty, DefaultPersistRoot is used. Nothing is read from disk until the
// first access.
func NewRegistry(persistRoot string) *Registry {
	if persistRoot == "" {
		persistRoot = DefaultPersistRoot
	}

	return &Registry{
		persistRoot: persistRoot,
		send:        map[string]*SendState{},
		recv:        map[string]*ReceiveState{},
		copy:        map[string]*CopyState{},
	}
}

// loadLocked reads the three persistence files into the in-memory tables.
// A missing or malformed file is treated as empty and logged, never
// propagated (spec §4.2, §8 boundary behaviour). Must be called with mu held.
func (r *Registry) loadLocked() {
	if r.loaded {
		return
	}

	loadOne(filepath.Join(r.persistRoot, sendFile), &r.send)
	loadOne(filepath.Join(r.persistRoot, recvFile), &r.recv)
	loadOne(filepath.Join(r.persistRoot, copyFile), &r.copy)

	r.loaded = true
}

func loadOne[T any](path string, into *map[string]T) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed reading persisted mirror state, treating as empty", logger.Ctx{"path": path, "err": err})
		}

		return
	}

	table := map[string]T{}
	if err := json.Unmarshal(data, &table); err != nil {
		logger.Warn("failed decoding persisted mirror state, treating as empty", logger.Ctx{"path": path, "err": err})

		return
	}

	*into = table
}

// saveLocked rewrites all three files. Must be called with mu held.
func (r *Registry) saveLocked() {
	if err := os.MkdirAll(r.persistRoot, 0o700); err != nil {
		logger.Error("failed creating persist root", logger.Ctx{"path": r.persistRoot, "err": err})

		return
	}

	saveOne(filepath.Join(r.persistRoot, sendFile), r.send)
	saveOne(filepath.Join(r.persistRoot, recvFile), r.recv)
	saveOne(filepath.Join(r.persistRoot, copyFile), r.copy)
}

func saveOne[T any](path string, table map[string]T) {
	data, err := json.Marshal(table)
	if err != nil {
		logger.Error("failed encoding mirror state", logger.Ctx{"path": path, "err": err})

		return
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		logger.Error("failed writing persisted mirror state", logger.Ctx{"path": path, "err": err})
	}
}

// AddSend upserts a SendState and persists the tables.
func (r *Registry) AddSend(id string, st *SendState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	r.send[id] = st
	r.saveLocked()
}

// AddReceive upserts a ReceiveState and persists the tables.
func (r *Registry) AddReceive(id string, st *ReceiveState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	r.recv[id] = st
	r.saveLocked()
}

// AddCopy upserts a CopyState and persists the tables.
func (r *Registry) AddCopy(id string, st *CopyState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	r.copy[id] = st
	r.saveLocked()
}

// FindActiveLocalMirror looks up a SendState by mirror id.
func (r *Registry) FindActiveLocalMirror(id string) (*SendState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	st, ok := r.send[id]

	return st, ok
}

// FindActiveReceiveMirror looks up a ReceiveState by mirror id.
func (r *Registry) FindActiveReceiveMirror(id string) (*ReceiveState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	st, ok := r.recv[id]

	return st, ok
}

// FindActiveCopy looks up a CopyState by copy id.
func (r *Registry) FindActiveCopy(id string) (*CopyState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	st, ok := r.copy[id]

	return st, ok
}

// RemoveLocalMirror deletes a SendState if present and persists the tables.
func (r *Registry) RemoveLocalMirror(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	delete(r.send, id)
	r.saveLocked()
}

// RemoveReceiveMirror deletes a ReceiveState if present and persists the tables.
func (r *Registry) RemoveReceiveMirror(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	delete(r.recv, id)
	r.saveLocked()
}

// RemoveCopy deletes a CopyState if present and persists the tables.
func (r *Registry) RemoveCopy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	delete(r.copy, id)
	r.saveLocked()
}

// MutateSend looks up a SendState and, if present, runs f against it and
// persists the tables; it reports whether the record was found. Used by
// callers (mirror.go) that fill in RemoteInfo/TapDev/Watchdog after the
// record already exists.
func (r *Registry) MutateSend(id string, f func(*SendState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()

	st, ok := r.send[id]
	if !ok {
		return false
	}

	f(st)
	r.saveLocked()

	return true
}

// Clear empties all three tables and persists the (now empty) files.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()
	r.send = map[string]*SendState{}
	r.recv = map[string]*ReceiveState{}
	r.copy = map[string]*CopyState{}
	r.saveLocked()
}

// Snapshot is a key/value view of all three tables, returned by map_of
// (spec §4.2) for list/stat aggregation and for killall. Each table is a Go
// map, so its iteration order is not defined.
type Snapshot struct {
	Send map[string]*SendState
	Recv map[string]*ReceiveState
	Copy map[string]*CopyState
}

// MapOf returns a snapshot of all three tables.
func (r *Registry) MapOf() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLocked()

	snap := Snapshot{
		Send: make(map[string]*SendState, len(r.send)),
		Recv: make(map[string]*ReceiveState, len(r.recv)),
		Copy: make(map[string]*CopyState, len(r.copy)),
	}

	for k, v := range r.send {
		snap.Send[k] = v
	}

	for k, v := range r.recv {
		snap.Recv[k] = v
	}

	for k, v := range r.copy {
		snap.Copy[k] = v
	}

	return snap
}
