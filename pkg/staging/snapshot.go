package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
)

// RequestSnapshot asks the agent running a node for a mid-run copy of a file
// the node is producing. The request travels on the node's queue topic; the
// agent answers by uploading through the pipeline with a Snapshot
// destination.
func (s *Service) RequestSnapshot(ctx context.Context, nodeID, fileID string, timestamp int64) error {
	node, err := s.entities.GetNodeInstance(nodeID)
	if err != nil {
		return err
	}
	if node.QueueID == "" {
		return fmt.Errorf("node %s has no queue assigned", nodeID)
	}
	queue, err := s.entities.GetQueue(node.QueueID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&types.SnapshotRequest{
		NodeID:    nodeID,
		FileID:    fileID,
		Timestamp: timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot request: %w", err)
	}
	return s.broker.Publish(ctx, bus.QueueTopic(queue.TopicName), nodeID, body)
}

// CreateSnapshotFromCache promotes the meta's cached bytes to a snapshot
// blob and records the snapshot, durably and in the lease store for
// dimension scans.
func (s *Service) CreateSnapshotFromCache(ctx context.Context, snap *types.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	if err := s.blobs.ChangeNormalToSnapshot(snap.MetaID); err != nil {
		return err
	}
	if err := s.entities.CreateSnapshot(snap); err != nil {
		return err
	}

	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot record: %w", err)
	}
	if err := s.leases.InsertWithLease(ctx, lease.SnapshotKey(snap), value, lease.DefaultMoveTTL); err != nil {
		return err
	}

	logger := log.WithNodeID(snap.NodeID)
	logger.Info().
		Str("snapshot_id", snap.ID).Str("meta_id", snap.MetaID).
		Msg("Snapshot created")
	return nil
}

// ReadSnapshot streams a snapshot's bytes from cache; the caller closes.
func (s *Service) ReadSnapshot(id string) (io.ReadCloser, error) {
	snap, err := s.entities.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	return s.blobs.OpenSnapshot(snap.MetaID)
}

// RemoveSnapshot deletes the snapshot record; the blob goes too iff no other
// snapshot shares the meta.
func (s *Service) RemoveSnapshot(ctx context.Context, id string) error {
	snap, err := s.entities.GetSnapshot(id)
	if err != nil {
		return err
	}
	if err := s.entities.DeleteSnapshot(id); err != nil {
		return err
	}
	if _, err := s.leases.DeleteByKeyGlob(ctx, lease.SnapshotByIDGlob(id)); err != nil {
		return err
	}

	others, err := s.entities.ListSnapshotsByMeta(snap.MetaID)
	if err != nil {
		return err
	}
	if len(others) == 0 {
		return s.blobs.RemoveSnapshot(snap.MetaID)
	}
	return nil
}
