package sxm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
)

func TestCopyIntoVDIPropagatesContentIDBothSides(t *testing.T) {
	local := newFakeStorage()
	local.vdis["s1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "s1", VirtualSize: 10, ContentID: "orig"}}

	remote := newFakeStorage()
	remote.vdis["s2"] = map[string]sxm.VDIInfo{"v2": {UUID: "v2", SR: "s2", VirtualSize: 10}}
	srv := newTestRemote(t, remote)

	reg := sxm.NewRegistry(t.TempDir())
	engine := sxm.NewCopyEngine(reg, local, &fakeNBDClient{}, &fakeSparseDD{})

	err := engine.CopyIntoVDI(context.Background(), "s1", "v1", "vm0", srv.URL, "s2", "v2", false, nil)
	require.NoError(t, err)

	require.Equal(t, "orig", local.vdis["s1"]["v1"].ContentID)
	require.Equal(t, "orig", remote.vdis["s2"]["v2"].ContentID)
}

func TestCopyIntoVDIFailsWhenSourceLargerThanDestWithoutMutatingRemote(t *testing.T) {
	local := newFakeStorage()
	local.vdis["s1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "s1", VirtualSize: 100}}

	remote := newFakeStorage()
	remote.vdis["s2"] = map[string]sxm.VDIInfo{"v2": {UUID: "v2", SR: "s2", VirtualSize: 10}}
	srv := newTestRemote(t, remote)

	reg := sxm.NewRegistry(t.TempDir())
	engine := sxm.NewCopyEngine(reg, local, &fakeNBDClient{}, &fakeSparseDD{})

	err := engine.CopyIntoVDI(context.Background(), "s1", "v1", "vm0", srv.URL, "s2", "v2", false, nil)

	var capErr *sxmerr.CapacityExceeded
	require.ErrorAs(t, err, &capErr)

	// Nothing on the remote should have been touched: no attach3 call ever
	// ran, so the destination VDI is exactly as it started.
	require.Equal(t, int64(10), remote.vdis["s2"]["v2"].VirtualSize)
	require.Empty(t, remote.vdis["s2"]["v2"].ContentID)
}

func TestCopyIntoVDIUnknownDestVDIIsNotFound(t *testing.T) {
	local := newFakeStorage()
	local.vdis["s1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "s1", VirtualSize: 10}}

	remote := newFakeStorage()
	remote.vdis["s2"] = map[string]sxm.VDIInfo{"other": {UUID: "other", SR: "s2", VirtualSize: 10}}
	srv := newTestRemote(t, remote)

	reg := sxm.NewRegistry(t.TempDir())
	engine := sxm.NewCopyEngine(reg, local, &fakeNBDClient{}, &fakeSparseDD{})

	err := engine.CopyIntoVDI(context.Background(), "s1", "v1", "vm0", srv.URL, "s2", "missing", false, nil)

	var nf *sxmerr.NotFound
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "vdi", nf.Kind)
}

func TestCopyIntoSRClonesNearestSimilarAndResizesUp(t *testing.T) {
	local := newFakeStorage()
	local.vdis["s1"] = map[string]sxm.VDIInfo{
		"v1": {UUID: "v1", SR: "s1", VirtualSize: 20, ContentID: "base-content"},
	}

	remote := newFakeStorage()
	remote.vdis["s2"] = map[string]sxm.VDIInfo{
		"base": {UUID: "base", SR: "s2", VirtualSize: 10, ContentID: "base-content"},
	}
	srv := newTestRemote(t, remote)

	reg := sxm.NewRegistry(t.TempDir())

	// CopyIntoSR asks local for similars; fakeStorage.VDISimilarContent
	// always returns nil, so wrap it to report the nearest candidate's
	// content_id as the similars list.
	similarsBackedLocal := &similarsStorage{fakeStorage: local, similar: []string{"base-content"}}
	engine := sxm.NewCopyEngine(reg, similarsBackedLocal, &fakeNBDClient{}, &fakeSparseDD{})

	snap, err := engine.CopyIntoSR(context.Background(), "s1", "v1", "vm0", srv.URL, "s2", false, nil)
	require.NoError(t, err)
	require.Equal(t, "base-content", snap.ContentID)
	require.Equal(t, int64(20), snap.VirtualSize)

	// The mutable clone made off "base" to drive the copy is destroyed
	// after the final snapshot, leaving only "base" itself and the new
	// snapshot behind.
	require.Len(t, remote.vdis["s2"], 2)
	require.Contains(t, remote.vdis["s2"], "base")
	require.Contains(t, remote.vdis["s2"], snap.UUID)
}

func TestCopyIntoSRCreatesBlankWhenNoSimilarCandidate(t *testing.T) {
	local := newFakeStorage()
	local.vdis["s1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "s1", VirtualSize: 20, ContentID: "unique"}}

	remote := newFakeStorage()
	remote.vdis["s2"] = map[string]sxm.VDIInfo{}
	srv := newTestRemote(t, remote)

	reg := sxm.NewRegistry(t.TempDir())
	engine := sxm.NewCopyEngine(reg, local, &fakeNBDClient{}, &fakeSparseDD{})

	snap, err := engine.CopyIntoSR(context.Background(), "s1", "v1", "vm0", srv.URL, "s2", false, nil)
	require.NoError(t, err)
	require.Equal(t, "unique", snap.ContentID)
}

// similarsStorage wraps fakeStorage to return a fixed VDISimilarContent
// answer, the one StorageAPI method fakeStorage itself always stubs to nil.
type similarsStorage struct {
	*fakeStorage
	similar []string
}

func (s *similarsStorage) VDISimilarContent(context.Context, string, string) ([]string, error) {
	return s.similar, nil
}
