package sxm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
)

func TestNewRemoteClientFallsBackToDefaultRemoteTimeout(t *testing.T) {
	original := sxm.DefaultRemoteTimeout
	t.Cleanup(func() { sxm.DefaultRemoteTimeout = original })

	sxm.DefaultRemoteTimeout = 7 * time.Second

	client := sxm.NewRemoteClient(sxm.RemoteClientArgs{URL: "https://h"})
	require.Equal(t, 7*time.Second, client.HTTPClient().Timeout)
}

func TestNewRemoteClientKeepsExplicitTimeoutOverDefault(t *testing.T) {
	original := sxm.DefaultRemoteTimeout
	t.Cleanup(func() { sxm.DefaultRemoteTimeout = original })

	sxm.DefaultRemoteTimeout = 7 * time.Second

	client := sxm.NewRemoteClient(sxm.RemoteClientArgs{URL: "https://h", Timeout: 2 * time.Second})
	require.Equal(t, 2*time.Second, client.HTTPClient().Timeout)
}

func TestRemoteStorageAPISRScanRoundTripsOverTheWire(t *testing.T) {
	backend := newFakeStorage()
	backend.vdis["s1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "s1", VirtualSize: 99}}
	srv := newTestRemote(t, backend)

	remote := sxm.NewRemoteStorageAPI(sxm.RemoteClientArgs{URL: srv.URL})

	vdis, err := remote.SRScan(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, vdis, 1)
	require.Equal(t, int64(99), vdis[0].VirtualSize)
}

func TestRemoteStorageAPIConnectionFailureIsABackendError(t *testing.T) {
	remote := sxm.NewRemoteStorageAPI(sxm.RemoteClientArgs{URL: "http://127.0.0.1:1"})

	_, err := remote.SRScan(context.Background(), "s1")
	require.Error(t, err)

	var be *sxmerr.BackendError
	require.ErrorAs(t, err, &be)
}
