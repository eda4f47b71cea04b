package sxm

import "strings"

// MirrorID returns the textual "{sr}/{vdi}" id derived from a source SR and
// VDI (spec §3.1). A given source VDI may have at most one active mirror.
func MirrorID(sr, vdi string) string {
	return sr + "/" + vdi
}

// OfMirrorID splits a mirror id back into its (sr, vdi) pair. The VDI
// segment is everything after the first "/", since a VDI string may itself
// contain slashes.
func OfMirrorID(id string) (sr, vdi string, ok bool) {
	sr, vdi, ok = strings.Cut(id, "/")
	return sr, vdi, ok
}

// CopyID returns the textual "copy/{dest_sr}/{dest_vdi_or_source_vdi}" id,
// a namespace distinct from mirror ids.
func CopyID(destSR, vdi string) string {
	return "copy/" + destSR + "/" + vdi
}

// OfCopyID splits a copy id back into its (dest_sr, vdi) pair, dropping the
// leading "copy" token.
func OfCopyID(id string) (destSR, vdi string, ok bool) {
	rest, ok := strings.CutPrefix(id, "copy/")
	if !ok {
		return "", "", false
	}

	return strings.Cut(rest, "/")
}
