package sxm

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"

	"github.com/vatesfr/sxmd/internal/sxmerr"
)

// nbdBasenameRE matches the "nbd{pid}.{minor}" shape an NBD-URI's last path
// segment takes when it names a tap-disk export (spec §4.5.2 step 2).
var nbdBasenameRE = regexp.MustCompile(`^nbd(\d+)\.(\d+)$`)

// ParsedNBDURI is the decomposed form of a local NBD client target.
type ParsedNBDURI struct {
	SocketPath string
	Export     string
}

// ParseNBDURI decodes an NBD URI of the form "nbd+unix:///export?socket=/path"
// into its socket path and export name (spec §4.3 backend #3). A URI with no
// socket parameter, such as "nbd://host/export", is rejected with an error.
func ParseNBDURI(uri string) (ParsedNBDURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return ParsedNBDURI{}, fmt.Errorf("parsing nbd uri %q: %w", uri, err)
	}

	socket := u.Query().Get("socket")
	export := path.Base(u.Path)

	if socket == "" {
		return ParsedNBDURI{}, sxmerr.Internal(fmt.Errorf("nbd uri %q has no socket parameter", uri))
	}

	return ParsedNBDURI{SocketPath: socket, Export: export}, nil
}

// TapCtl is the external collaborator that resolves a block-device path to
// its owning tap-disk (Tapctl.of_device in spec §4.5.2 step 2); out of this
// module's scope, injected by the caller.
type TapCtl interface {
	OfDevice(path string) (TapDev, error)
}

// TapDiskOfAttachInfo identifies the local tap-disk handle from attach info,
// either by inspecting a block-device path via tapctl, or by parsing an
// NBD-URI export basename shaped "nbd{pid}.{minor}" (spec §4.5.2 step 2).
func TapDiskOfAttachInfo(info DPAttachInfo, tapctl TapCtl) (TapDev, error) {
	switch info.Backend() {
	case "blockdevice":
		return tapctl.OfDevice(info.BlockDevice)
	case "nbd":
		parsed, err := ParseNBDURI(info.NBDURI)
		if err != nil {
			return TapDev{}, err
		}

		return parseNBDBasename(parsed.Export)
	default:
		return TapDev{}, &sxmerr.Unattached{DP: info.Backend()}
	}
}

func parseNBDBasename(basename string) (TapDev, error) {
	m := nbdBasenameRE.FindStringSubmatch(basename)
	if m == nil {
		return TapDev{}, &sxmerr.Unattached{DP: basename}
	}

	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return TapDev{}, &sxmerr.Unattached{DP: basename}
	}

	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return TapDev{}, &sxmerr.Unattached{DP: basename}
	}

	return TapDev{PID: pid, Minor: minor}, nil
}

// ControlSocketPath returns the local nbdclient control-socket path for a
// tap-disk pid, per spec §6.4.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/var/run/blktap-control/nbdclient%d", pid)
}
