package sxm

import (
	"context"
	"fmt"

	"github.com/vatesfr/sxmd/internal/logger"
	"github.com/vatesfr/sxmd/internal/sxmerr"
)

// NBDClient is the external collaborator that starts a local NBD client
// against a Unix socket + export and returns the resulting device node
// (spec §4.3 backend #3); out of this module's scope, injected by the caller.
type NBDClient interface {
	Start(ctx context.Context, socketPath, export string) (devicePath string, err error)
	Stop(ctx context.Context, devicePath string) error
}

// WithActivatedDisk executes f(path) between an attach3+activate3 pair and
// a deactivate+detach pair, the latter running on every exit path (spec
// §4.3). If vdi is empty, f("") runs without any attach/activate at all.
func WithActivatedDisk(ctx context.Context, api StorageAPI, nbd NBDClient, sr, vdi, dp, vm string, rw bool, f func(path string) error) error {
	if vdi == "" {
		return f("")
	}

	info, err := api.VDIAttach3(ctx, "with_activated_disk", dp, sr, vdi, vm, rw)
	if err != nil {
		return fmt.Errorf("attach3(%s/%s): %w", sr, vdi, err)
	}

	if err := api.VDIActivate3(ctx, "with_activated_disk", dp, sr, vdi, vm); err != nil {
		// Detach runs even if activate failed mid-way (spec §4.3).
		detach(ctx, api, sr, vdi, dp)

		return fmt.Errorf("activate3(%s/%s): %w", sr, vdi, err)
	}

	path, cleanupBackend, err := resolveBackend(ctx, info, nbd)
	if err != nil {
		deactivateAndDetach(ctx, api, sr, vdi, dp)

		return err
	}

	defer func() {
		if cleanupBackend != nil {
			cleanupBackend()
		}

		deactivateAndDetach(ctx, api, sr, vdi, dp)
	}()

	return f(path)
}

func resolveBackend(ctx context.Context, info DPAttachInfo, nbd NBDClient) (string, func(), error) {
	switch info.Backend() {
	case "file":
		return info.Path, nil, nil
	case "blockdevice":
		return info.BlockDevice, nil, nil
	case "nbd":
		parsed, err := ParseNBDURI(info.NBDURI)
		if err != nil {
			return "", nil, err
		}

		devicePath, err := nbd.Start(ctx, parsed.SocketPath, parsed.Export)
		if err != nil {
			return "", nil, fmt.Errorf("starting nbd client for %q: %w", info.NBDURI, err)
		}

		return devicePath, func() {
			if err := nbd.Stop(ctx, devicePath); err != nil {
				logger.Error("failed stopping nbd client", logger.Ctx{"device": devicePath, "err": err})
			}
		}, nil
	default:
		return "", nil, sxmerr.Internal(fmt.Errorf("attach info reports no usable backend"))
	}
}

func deactivateAndDetach(ctx context.Context, api StorageAPI, sr, vdi, dp string) {
	if err := api.VDIDeactivate(ctx, "with_activated_disk", dp, sr, vdi); err != nil {
		logger.Error("failed deactivating disk", logger.Ctx{"sr": sr, "vdi": vdi, "dp": dp, "err": err})
	}

	detach(ctx, api, sr, vdi, dp)
}

func detach(ctx context.Context, api StorageAPI, sr, vdi, dp string) {
	if err := api.VDIDetach(ctx, "with_activated_disk", dp, sr, vdi); err != nil {
		logger.Error("failed detaching disk", logger.Ctx{"sr": sr, "vdi": vdi, "dp": dp, "err": err})
	}
}
