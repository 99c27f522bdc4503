package session

import (
	"github.com/witnessprotocol/core/internal/store"
)

// Status is the read-only snapshot returned by Manager.Status, the
// observable surface spec.md §4.6 requires ("status() + subscription
// API").
type Status struct {
	SessionID             string
	Creator               string
	GroupSet              []string
	State                 store.SessionStatus
	ChunkCount            int
	NextChunkIndex        uint32
	LatestRoot            string // hex, empty if never anchored
	LatestManifestLocator string
	QuotaLevel            store.QuotaLevel
}

func snapshotFromSession(s *store.Session, chunkCount int, quota store.QuotaLevel) Status {
	root := ""
	if len(s.LatestRoot) == 32 {
		root = hexString(s.LatestRoot)
	}
	return Status{
		SessionID:             s.SessionID,
		Creator:               s.Creator,
		GroupSet:              append([]string(nil), s.GroupSet...),
		State:                 s.Status,
		ChunkCount:            chunkCount,
		NextChunkIndex:        s.NextChunkIndex,
		LatestRoot:            root,
		LatestManifestLocator: s.LatestManifestLocator,
		QuotaLevel:            quota,
	}
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
