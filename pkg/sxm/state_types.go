package sxm

// SchedulerHandle is the opaque integer a scheduler hands back from
// OneShot; it encodes as a bare integer on disk (spec §6.1).
type SchedulerHandle int64

// TapDev identifies a tap-disk by (pid, minor), encoded as
// {pid:int, minor:int} in persisted JSON.
type TapDev struct {
	PID   int `json:"pid"`
	Minor int `json:"minor"`
}

// RemoteInfo is populated once the remote receive_start has succeeded; its
// absence (nil) in a SendState means the mirror is still being set up.
type RemoteInfo struct {
	DP         string `json:"dp"`
	VDI        string `json:"vdi"`
	URL        string `json:"url"`
	VerifyDest bool   `json:"verify_dest"`
}

// SendState is the record for one active outbound mirror (spec §3.2).
type SendState struct {
	URL         string         `json:"url"`
	DestSR      string         `json:"dest_sr"`
	RemoteInfo  *RemoteInfo    `json:"remote_info,omitempty"`
	LocalDP     string         `json:"local_dp"`
	TapDev      *TapDev        `json:"tapdev,omitempty"`
	Failed      bool           `json:"failed"`
	Watchdog    *SchedulerHandle `json:"watchdog,omitempty"`
}

// ReceiveState is the record for one active inbound mirror, held on the
// destination (spec §3.2).
type ReceiveState struct {
	SR        string `json:"sr"`
	LeafVDI   string `json:"leaf_vdi"`
	LeafDP    string `json:"leaf_dp"`
	DummyVDI  string `json:"dummy_vdi"`
	ParentVDI string `json:"parent_vdi"`
	RemoteVDI string `json:"remote_vdi"`
	VM        string `json:"vm"`
}

// CopyState is the record for one active standalone copy (spec §3.2).
type CopyState struct {
	BaseDP     string `json:"base_dp"`
	LeafDP     string `json:"leaf_dp"`
	RemoteDP   string `json:"remote_dp"`
	DestSR     string `json:"dest_sr"`
	CopyVDI    string `json:"copy_vdi"`
	RemoteURL  string `json:"remote_url"`
	VerifyDest bool   `json:"verify_dest"`
}

// MirrorState is the union shape returned by stat/list (spec §6.5).
type MirrorState int

const (
	// StateSending means the record belongs to the send table.
	StateSending MirrorState = iota
	// StateReceiving means the record belongs to the receive table.
	StateReceiving
	// StateCopying means the record belongs to the copy table.
	StateCopying
)

func (s MirrorState) String() string {
	switch s {
	case StateSending:
		return "Sending"
	case StateReceiving:
		return "Receiving"
	case StateCopying:
		return "Copying"
	default:
		return "Unknown"
	}
}

// Stat is the public view of an operation, returned by stat/list (spec §6.5).
type Stat struct {
	ID         string      `json:"id"`
	SourceVDI  string      `json:"source_vdi"`
	DestVDI    string      `json:"dest_vdi"`
	State      MirrorState `json:"state"`
	Failed     bool        `json:"failed"`
}
