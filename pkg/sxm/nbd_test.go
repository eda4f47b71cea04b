package sxm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
)

func TestParseNBDURIUnixSocketForm(t *testing.T) {
	parsed, err := sxm.ParseNBDURI("nbd+unix:///nbd42.7?socket=/var/run/blktap/nbd.sock")
	require.NoError(t, err)
	require.Equal(t, "/var/run/blktap/nbd.sock", parsed.SocketPath)
	require.Equal(t, "nbd42.7", parsed.Export)
}

func TestParseNBDURIRequiresSocketParameter(t *testing.T) {
	_, err := sxm.ParseNBDURI("nbd://host/export")
	require.Error(t, err)
}

func TestControlSocketPath(t *testing.T) {
	require.Equal(t, "/var/run/blktap-control/nbdclient1234", sxm.ControlSocketPath(1234))
}

type fakeTapCtl struct {
	dev sxm.TapDev
	err error
}

func (f fakeTapCtl) OfDevice(string) (sxm.TapDev, error) { return f.dev, f.err }

func TestTapDiskOfAttachInfoFromBlockDevice(t *testing.T) {
	tapctl := fakeTapCtl{dev: sxm.TapDev{PID: 10, Minor: 2}}

	dev, err := sxm.TapDiskOfAttachInfo(sxm.DPAttachInfo{BlockDevice: "/dev/xvda"}, tapctl)
	require.NoError(t, err)
	require.Equal(t, sxm.TapDev{PID: 10, Minor: 2}, dev)
}

func TestTapDiskOfAttachInfoFromNBDURI(t *testing.T) {
	info := sxm.DPAttachInfo{NBDURI: "nbd+unix:///nbd99.3?socket=/run/x.sock"}

	dev, err := sxm.TapDiskOfAttachInfo(info, fakeTapCtl{})
	require.NoError(t, err)
	require.Equal(t, sxm.TapDev{PID: 99, Minor: 3}, dev)
}

func TestTapDiskOfAttachInfoUnattachedWhenBackendUnknown(t *testing.T) {
	_, err := sxm.TapDiskOfAttachInfo(sxm.DPAttachInfo{}, fakeTapCtl{})

	var unattached *sxmerr.Unattached
	require.ErrorAs(t, err, &unattached)
}

func TestDPAttachInfoBackend(t *testing.T) {
	require.Equal(t, "file", sxm.DPAttachInfo{Path: "/x"}.Backend())
	require.Equal(t, "blockdevice", sxm.DPAttachInfo{BlockDevice: "/dev/x"}.Backend())
	require.Equal(t, "nbd", sxm.DPAttachInfo{NBDURI: "nbd://x/y"}.Backend())
	require.Equal(t, "", sxm.DPAttachInfo{}.Backend())
}
