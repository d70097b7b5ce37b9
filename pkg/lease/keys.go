package lease

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/pkg/types"
)

// Key shapes. Every dimension any caller queries is its own underscore
// segment so each lookup reduces to one wildcard segment.
//
//	movereg_{move_id}_{meta_id}
//	multipart_{meta_id}_{hash}
//	snapshot_{id}_{node_id}_{file_id}_{timestamp}_{hash_alg}_{hash}

// MoveKey builds the exact key of one move registration.
func MoveKey(moveID, metaID string) string {
	return fmt.Sprintf("movereg_%s_%s", moveID, metaID)
}

// MovesByMetaGlob matches every move registration for a meta id.
func MovesByMetaGlob(metaID string) string {
	return fmt.Sprintf("movereg_*_%s", metaID)
}

// MoveByIDGlob matches one move id regardless of meta.
func MoveByIDGlob(moveID string) string {
	return fmt.Sprintf("movereg_%s_*", moveID)
}

// MultipartKey builds the exact key of one multipart session.
func MultipartKey(metaID, hash string) string {
	return fmt.Sprintf("multipart_%s_%s", metaID, hash)
}

// MultipartByMetaGlob matches the session of a meta id regardless of hash.
func MultipartByMetaGlob(metaID string) string {
	return fmt.Sprintf("multipart_%s_*", metaID)
}

// MultipartByHashGlob matches the session of a hash regardless of meta.
func MultipartByHashGlob(hash string) string {
	return fmt.Sprintf("multipart_*_%s", hash)
}

// SnapshotKey builds the exact composite key of one snapshot record.
func SnapshotKey(snap *types.Snapshot) string {
	return fmt.Sprintf("snapshot_%s_%s_%s_%d_%s_%s",
		snap.ID, snap.NodeID, snap.FileID, snap.Timestamp, snap.HashAlgorithm, snap.Hash)
}

// SnapshotByIDGlob matches one snapshot id on any other dimension.
func SnapshotByIDGlob(id string) string {
	return fmt.Sprintf("snapshot_%s_*", id)
}

// SnapshotByNodeGlob matches every snapshot of a node.
func SnapshotByNodeGlob(nodeID string) string {
	return fmt.Sprintf("snapshot_*_%s_*", nodeID)
}

// MetaIDFromMultipartKey recovers the meta id segment of a multipart key.
func MetaIDFromMultipartKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "multipart_")
	if !ok {
		return "", false
	}
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}
