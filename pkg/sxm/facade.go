package sxm

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/vatesfr/sxmd/internal/logger"
	"github.com/vatesfr/sxmd/internal/sxmerr"
)

// TaskStatus is the lifecycle state of a façade task.
type TaskStatus int

const (
	// TaskRunning means the task has not yet reached a final state.
	TaskRunning TaskStatus = iota
	// TaskSuccess means the task completed without error.
	TaskSuccess
	// TaskFailure means the task completed with a (flattened) error.
	TaskFailure
	// TaskCancelled means the task's cancel hook was pulled.
	TaskCancelled
)

// Task is a long-running verb wrapped for the caller: it exposes an id
// immediately and completes in the background, mirroring the
// operation.Wait/Cancel shape of client/operations.go but from the
// producer side (spec §4.8).
type Task struct {
	ID string

	mu     sync.Mutex
	status TaskStatus
	result any
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Status returns the task's current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// Cancel pulls the task's cancel hook, which propagates into sparse_dd.cancel
// for copy/mirror work in progress (spec §5 Cancellation).
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task reaches a final state and returns its result
// and error (result, nil on success; nil, *sxmerr.Cancelled on cancellation).
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()

		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) finish(status TaskStatus, result any, err error) {
	t.mu.Lock()
	t.status = status
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Facade is the public entry point (spec §4.8, §6.5): it wraps each
// long-running verb in a task and normalises every error into the
// taxonomy of internal/sxmerr.
type Facade struct {
	reg    *Registry
	mirror *MirrorEngine
	copy   *CopyEngine
	local  StorageAPI

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewFacade constructs a Facade.
func NewFacade(reg *Registry, mirror *MirrorEngine, copyEngine *CopyEngine, local StorageAPI) *Facade {
	return &Facade{reg: reg, mirror: mirror, copy: copyEngine, local: local, tasks: map[string]*Task{}}
}

// newTask registers a new task bound to cancel, the cancel func of the
// context its work will actually run under.
func (f *Facade) newTask(cancel context.CancelFunc) *Task {
	t := &Task{ID: uuid.NewString(), done: make(chan struct{}), cancel: cancel}

	f.mu.Lock()
	f.tasks[t.ID] = t
	f.mu.Unlock()

	return t
}

func (f *Facade) run(t *Task, ctx context.Context, work func(context.Context) (any, error)) {
	go func() {
		result, err := work(ctx)

		var cancelled *sxmerr.Cancelled

		switch {
		case errors.Is(err, context.Canceled), errors.As(err, &cancelled):
			t.finish(TaskCancelled, nil, &sxmerr.Cancelled{})
		case err != nil:
			t.finish(TaskFailure, nil, flatten(err))
		default:
			t.finish(TaskSuccess, result, nil)
		}
	}()
}

// flatten normalises an error into the taxonomy of spec §7: recognised
// sxmerr types pass through unchanged; anything else, a bare
// context.Canceled included, becomes an InternalError (spec §4.8).
func flatten(err error) error {
	if err == nil {
		return nil
	}

	var cancelled *sxmerr.Cancelled
	if errors.As(err, &cancelled) {
		return cancelled
	}

	var nf *sxmerr.NotFound
	if errors.As(err, &nf) {
		return nf
	}

	var ce *sxmerr.CapacityExceeded
	if errors.As(err, &ce) {
		return ce
	}

	var ua *sxmerr.Unattached
	if errors.As(err, &ua) {
		return ua
	}

	var be *sxmerr.BackendError
	if errors.As(err, &be) {
		return be
	}

	var dne *sxmerr.DoesNotExist
	if errors.As(err, &dne) {
		return dne
	}

	var to *sxmerr.Timeout
	if errors.As(err, &to) {
		return to
	}

	var ie *sxmerr.InternalError
	if errors.As(err, &ie) {
		return ie
	}

	return sxmerr.Internal(err)
}

// Start wraps MirrorEngine.Start in a task and returns its id immediately
// (spec §6.5 start).
func (f *Facade) Start(ctx context.Context, args StartArgs) (string, error) {
	base, cancel := context.WithCancel(ctx)
	t := f.newTask(cancel)

	f.run(t, base, func(taskCtx context.Context) (any, error) {
		progress := func(float64) {} // task-level progress reporting is out of this module's scope.

		return f.mirror.Start(taskCtx, args, progress)
	})

	return t.ID, nil
}

// Copy wraps CopyEngine.CopyIntoSR in a task and returns its id
// immediately (spec §6.5 copy).
func (f *Facade) Copy(ctx context.Context, sr, vdi, vm, url, destSR string, verifyDest bool) (string, error) {
	base, cancel := context.WithCancel(ctx)
	t := f.newTask(cancel)

	f.run(t, base, func(taskCtx context.Context) (any, error) {
		return f.copy.CopyIntoSR(taskCtx, sr, vdi, vm, url, destSR, verifyDest, func(float64) {})
	})

	return t.ID, nil
}

// Task looks up a previously returned task id.
func (f *Facade) Task(id string) (*Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]

	return t, ok
}

// Stop synchronously tears down an active mirror (spec §6.5 stop).
func (f *Facade) Stop(ctx context.Context, id string) error {
	return flatten(f.mirror.Stop(ctx, id))
}

// Stat returns the union view of an operation id across all three tables
// (spec §6.5 stat).
func (f *Facade) Stat(id string) (Stat, error) {
	snap := f.reg.MapOf()

	if st, ok := snap.Send[id]; ok {
		destVDI := ""
		if st.RemoteInfo != nil {
			destVDI = st.RemoteInfo.VDI
		}

		_, vdi, _ := OfMirrorID(id)

		return Stat{ID: id, SourceVDI: vdi, DestVDI: destVDI, State: StateSending, Failed: st.Failed}, nil
	}

	if st, ok := snap.Recv[id]; ok {
		return Stat{ID: id, SourceVDI: st.RemoteVDI, DestVDI: st.LeafVDI, State: StateReceiving}, nil
	}

	if st, ok := snap.Copy[id]; ok {
		_, vdi, _ := OfCopyID(id)

		return Stat{ID: id, SourceVDI: vdi, DestVDI: st.CopyVDI, State: StateCopying}, nil
	}

	return Stat{}, &sxmerr.DoesNotExist{Kind: "mirror", ID: id}
}

// List returns the union of all three tables (spec §6.5 list).
func (f *Facade) List() []Stat {
	snap := f.reg.MapOf()
	out := make([]Stat, 0, len(snap.Send)+len(snap.Recv)+len(snap.Copy))

	for id := range snap.Send {
		st, err := f.Stat(id)
		if err == nil {
			out = append(out, st)
		}
	}

	for id := range snap.Recv {
		st, err := f.Stat(id)
		if err == nil {
			out = append(out, st)
		}
	}

	for id := range snap.Copy {
		st, err := f.Stat(id)
		if err == nil {
			out = append(out, st)
		}
	}

	return out
}

// SnapshotPair names a local VDI and its corresponding remote VDI for
// UpdateSnapshotInfoSrc.
type SnapshotPair struct {
	LocalVDI  string
	RemoteVDI string
}

// UpdateSnapshotInfoSrc maps local VDI info to their remote counterparts and
// forwards the aggregate to SR.update_snapshot_info_dest (spec §6.5, and
// SPEC_FULL.md §C since spec.md's table entry for this verb carries no body
// text of its own).
func (f *Facade) UpdateSnapshotInfoSrc(ctx context.Context, sr, remoteURL, destSR string, pairs []SnapshotPair, verifyDest bool) error {
	localVDIs, err := f.local.SRScan(ctx, sr)
	if err != nil {
		return flatten(wrapBackendOrInternal(err))
	}

	byUUID := map[string]VDIInfo{}
	for _, v := range localVDIs {
		byUUID[v.UUID] = v
	}

	info := map[string]VDIInfo{}

	for _, pair := range pairs {
		local, ok := byUUID[pair.LocalVDI]
		if !ok {
			return &sxmerr.NotFound{Kind: "vdi", ID: pair.LocalVDI}
		}

		info[pair.RemoteVDI] = local
	}

	remote := NewRemoteStorageAPI(RemoteClientArgs{URL: remoteURL, VerifyDest: verifyDest})

	if err := remote.SRUpdateSnapshotInfoDest(ctx, destSR, info); err != nil {
		return flatten(wrapBackendOrInternal(err))
	}

	return nil
}

// Killall tears down every tracked operation best-effort and clears the
// registry (spec §4.5.5). Never returns an error; every failure is
// logged and swallowed internally by MirrorEngine.Killall.
func (f *Facade) Killall(ctx context.Context) {
	f.mirror.Killall(ctx)
	logger.Info("killall complete", logger.Ctx{})
}
