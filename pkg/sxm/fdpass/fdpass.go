// Package fdpass donates an open socket's file descriptor to a local
// tap-disk process over a Unix control socket, using SCM_RIGHTS. This is
// the one place spec.md's Design Notes (§9) require the underlying OS
// facility directly: "there is no portable library-level substitute".
package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SendFD connects to controlSocketPath, sends payload (the data-path name,
// spec §6.4) with fd attached via SCM_RIGHTS, and verifies the full byte
// count was transferred before closing the control socket (spec §4.5.2
// steps 3-5). The caller still owns fd after this returns; fd is only
// donated, not closed, here.
func SendFD(controlSocketPath string, payload []byte, fd int) error {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(sock)

	addr := &unix.SockaddrUnix{Name: controlSocketPath}
	if err := unix.Connect(sock, addr); err != nil {
		return fmt.Errorf("connecting to %s: %w", controlSocketPath, err)
	}

	rights := unix.UnixRights(fd)

	n, oobn, err := sendmsg(sock, payload, rights)
	if err != nil {
		return fmt.Errorf("sendmsg to %s: %w", controlSocketPath, err)
	}

	if n != len(payload) {
		return fmt.Errorf("short write to %s: sent %d of %d bytes", controlSocketPath, n, len(payload))
	}

	if oobn != len(rights) {
		return fmt.Errorf("short ancillary-data write to %s: sent %d of %d bytes", controlSocketPath, oobn, len(rights))
	}

	return nil
}

// sendmsg is split out so tests can stub socket I/O without real Unix sockets.
var sendmsg = func(fd int, p, oob []byte) (n, oobn int, err error) {
	return unix.Sendmsg(fd, p, oob, nil, 0)
}
