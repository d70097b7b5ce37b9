package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/netdisk"
	"github.com/weftworks/weft/pkg/types"
)

// UploadCommand is the bus body published for StorageServer moves once the
// bytes are cached; an async handler drives the object-store write and the
// net-disk projection.
type UploadCommand struct {
	MetaID        string `json:"meta_id"`
	MoveID        string `json:"move_id"`
	UserID        string `json:"user_id"`
	FileName      string `json:"file_name"`
	FileType      string `json:"file_type,omitempty"`
	RecordNetDisk bool   `json:"record_net_disk,omitempty"`
}

// PrepareUpload decides whether bytes need to travel. A content hit
// short-circuits with *errdefs.FlashUploadError (success-equivalent):
// StorageServer destinations get a net-disk entry pointing at the existing
// meta, and a node file ref still holding the caller's provisional meta id
// is rewritten under the optimistic lock. A miss registers the move and the
// caller proceeds with multipart upload.
func (s *Service) PrepareUpload(ctx context.Context, reg *types.MoveRegistration) error {
	existing, err := s.entities.GetFileMetaByHash(reg.Hash, reg.HashAlgorithm)
	if errors.Is(err, errdefs.ErrNotFound) {
		return s.RegisterMove(ctx, reg)
	}
	if err != nil {
		return err
	}

	metrics.FlashUploads.Inc()
	logger := log.WithComponent("staging")
	logger.Info().
		Str("hash", reg.Hash).Str("meta_id", reg.MetaID).Str("already_id", existing.ID).
		Msg("Flash upload, content already stored")

	if reg.Destination.Kind == types.MoveToStorageServer && reg.Destination.RecordNetDisk {
		_, err := s.projector.CreateFile(&netdisk.CreateRequest{
			OwnerID: reg.UserID,
			MetaID:  existing.ID,
			Name:    reg.FileName,
			Kind:    netdisk.TargetNormal,
		})
		if err != nil {
			return err
		}
	}

	if reg.Destination.NodeID != "" {
		if err := s.rewriteNodeFileRef(reg.Destination.NodeID, reg.MetaID, existing.ID); err != nil {
			return err
		}
	}

	return &errdefs.FlashUploadError{
		Destination: string(reg.Destination.Kind),
		Hash:        reg.Hash,
		MetaID:      reg.MetaID,
		AlreadyID:   existing.ID,
	}
}

// RegisterMove stores the registration under lease; the bytes follow by
// multipart upload.
func (s *Service) RegisterMove(ctx context.Context, reg *types.MoveRegistration) error {
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	value, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode move registration: %w", err)
	}
	return s.leases.InsertWithLease(ctx, lease.MoveKey(reg.ID, reg.MetaID), value, lease.DefaultMoveTTL)
}

// DoRegisteredMoves performs every registered destination for a cached meta.
func (s *Service) DoRegisteredMoves(ctx context.Context, metaID string) error {
	items, err := s.leases.GetAllByKeyGlob(ctx, lease.MovesByMetaGlob(metaID))
	if err != nil {
		return err
	}

	for _, kv := range items {
		reg, err := decodeMove(kv.Value)
		if err != nil {
			return err
		}
		if reg.IsUploadFailed {
			continue
		}

		switch reg.Destination.Kind {
		case types.MoveToSnapshot:
			if err := s.snapshotMove(ctx, reg); err != nil {
				return err
			}

		case types.MoveToStorageServer:
			cmd := &UploadCommand{
				MetaID:        metaID,
				MoveID:        reg.ID,
				UserID:        reg.UserID,
				FileName:      reg.FileName,
				RecordNetDisk: reg.Destination.RecordNetDisk,
			}
			body, err := json.Marshal(cmd)
			if err != nil {
				return fmt.Errorf("failed to encode upload command: %w", err)
			}
			if err := s.broker.Publish(ctx, bus.TopicFileUpload, metaID, body); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown move destination %q", reg.Destination.Kind)
		}
	}
	return nil
}

// snapshotMove freezes the cached bytes as a snapshot: entity insert, cache
// rename, then the session and every registration for the meta go away.
func (s *Service) snapshotMove(ctx context.Context, reg *types.MoveRegistration) error {
	snap := &types.Snapshot{
		ID:            uuid.New().String(),
		MetaID:        reg.MetaID,
		NodeID:        reg.Destination.NodeID,
		FileID:        reg.Destination.FileID,
		Timestamp:     reg.Destination.Timestamp,
		FileName:      reg.FileName,
		Size:          reg.Size,
		Hash:          reg.Hash,
		HashAlgorithm: reg.HashAlgorithm,
	}
	if err := s.CreateSnapshotFromCache(ctx, snap); err != nil {
		return err
	}

	if _, err := s.leases.DeleteByKeyGlob(ctx, lease.MultipartByMetaGlob(reg.MetaID)); err != nil {
		return err
	}
	if _, err := s.leases.DeleteByKeyGlob(ctx, lease.MovesByMetaGlob(reg.MetaID)); err != nil {
		return err
	}
	return nil
}

// HandleFileUpload is the TopicFileUpload subscriber: it projects the file
// into the owner's net-disk tree. The object-store write itself is driven by
// an external collaborator consuming the same topic.
func (s *Service) HandleFileUpload(ctx context.Context, msg *bus.Message) {
	logger := log.WithComponent("staging")
	var cmd UploadCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		logger.Error().Err(err).Msg("Malformed upload command")
		return
	}
	if !cmd.RecordNetDisk {
		return
	}
	_, err := s.projector.CreateFile(&netdisk.CreateRequest{
		OwnerID:  cmd.UserID,
		MetaID:   cmd.MetaID,
		Name:     cmd.FileName,
		FileType: cmd.FileType,
		Kind:     netdisk.TargetNormal,
	})
	if err != nil {
		logger.Error().Err(err).
			Str("meta_id", cmd.MetaID).Msg("Net-disk projection failed")
	}
}

// failMoves marks every registration of a meta failed and surfaces
// Task-Failed for task-scoped uploads.
func (s *Service) failMoves(ctx context.Context, metaID, reason string) {
	logger := log.WithComponent("staging")
	items, err := s.leases.GetAllByKeyGlob(ctx, lease.MovesByMetaGlob(metaID))
	if err != nil {
		logger.Error().Err(err).Str("meta_id", metaID).Msg("Failed to list moves")
		return
	}

	for _, kv := range items {
		reg, err := decodeMove(kv.Value)
		if err != nil {
			continue
		}
		reg.IsUploadFailed = true
		reg.FailedReason = reason
		if value, err := json.Marshal(reg); err == nil {
			if err := s.leases.UpdateWithLease(ctx, kv.Key, value, lease.DefaultMoveTTL); err != nil {
				logger.Warn().Err(err).Str("move_id", reg.ID).Msg("Failed to mark move failed")
			}
		}

		if reg.TaskID != "" {
			if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
				TaskID:  reg.TaskID,
				Status:  types.TaskStatusFailed,
				Message: reason,
			}); err != nil {
				taskLogger := log.WithTaskID(reg.TaskID)
				taskLogger.Error().Err(err).Msg("Failed to publish task failure")
			}
		}
	}
}

// rewriteNodeFileRef swaps a provisional meta id for the canonical one in a
// node's slot contents, retrying the optimistic lock.
func (s *Service) rewriteNodeFileRef(nodeID, provisionalID, canonicalID string) error {
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lockBackoff)
		}

		node, err := s.entities.GetNodeInstance(nodeID)
		if err != nil {
			return err
		}
		if node.Spec == nil || !swapRefs(node.Spec, provisionalID, canonicalID) {
			return nil
		}

		err = s.entities.UpdateNodeInstanceWithLock(node)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errdefs.ErrOptimisticLock) {
			return err
		}
	}
	return fmt.Errorf("node %s file ref rewrite: %w", nodeID, errdefs.ErrLockRetryExhausted)
}

func swapRefs(spec *types.NodeDraft, from, to string) bool {
	swapped := false
	for _, slots := range [][]*types.Slot{spec.InputSlots, spec.OutputSlots} {
		for _, slot := range slots {
			if slot.Kind != types.SlotKindFile {
				continue
			}
			for i, c := range slot.Contents {
				if c == from {
					slot.Contents[i] = to
					swapped = true
				}
			}
		}
	}
	return swapped
}

func decodeMove(value []byte) (*types.MoveRegistration, error) {
	var reg types.MoveRegistration
	if err := json.Unmarshal(value, &reg); err != nil {
		return nil, fmt.Errorf("failed to decode move registration: %w", err)
	}
	return &reg, nil
}
