package remoteconfig

import (
	"bytes"

	"github.com/open-telemetry/opamp-go/protobufs"
)

type SyncState string

const (
	SyncUnknown   SyncState = "unknown"
	SyncInSync    SyncState = "in_sync"
	SyncOutOfSync SyncState = "out_of_sync"
	SyncApplying  SyncState = "applying"
	SyncError     SyncState = "error"
)

// SyncStatus compares the assigned config hash with the agent-reported status and
// maps the OpAMP status to a single state plus a human readable reason.
func SyncStatus(assignedHash []byte, reported *protobufs.RemoteConfigStatus) (SyncState, string) {
	if len(assignedHash) == 0 {
		return SyncUnknown, "no assigned config"
	}
	if reported == nil {
		return SyncOutOfSync, "no status reported"
	}
	if !bytes.Equal(reported.GetLastRemoteConfigHash(), assignedHash) {
		return SyncOutOfSync, "hash mismatch"
	}
	switch reported.GetStatus() {
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED:
		return SyncInSync, ""
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
		return SyncApplying, ""
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED:
		return SyncError, reported.GetErrorMessage()
	default:
		return SyncOutOfSync, "unknown status"
	}
}
