package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/types"
)

// CreateMultipart registers a new chunked upload session of count parts.
// Hash uniqueness is enforced across in-flight sessions: a hash already
// travelling under another meta fails *errdefs.ConflictedHashError, a meta
// with an active session fails *errdefs.ConflictedIDError.
func (s *Service) CreateMultipart(ctx context.Context, metaID, hash string, alg types.HashAlgorithm, count int) (*types.Multipart, error) {
	if count <= 0 {
		return nil, fmt.Errorf("part count must be positive, got %d", count)
	}

	sameHash, err := s.leases.GetAllByKeyGlob(ctx, lease.MultipartByHashGlob(hash))
	if err != nil {
		return nil, err
	}
	for _, kv := range sameHash {
		mp, err := decodeMultipart(kv.Value)
		if err != nil {
			continue
		}
		if mp.MetaID != metaID {
			return nil, &errdefs.ConflictedHashError{ExistingMetaID: mp.MetaID, Hash: hash}
		}
	}

	if _, err := s.leases.GetOneByKeyGlob(ctx, lease.MultipartByMetaGlob(metaID)); err == nil {
		return nil, &errdefs.ConflictedIDError{MetaID: metaID}
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	mp := &types.Multipart{
		MetaID:              metaID,
		Hash:                hash,
		HashAlgorithm:       alg,
		PartCount:           count,
		Shards:              make([]int, count),
		LastUpdateTimestamp: s.now().UnixNano(),
	}
	for i := range mp.Shards {
		mp.Shards[i] = i
	}

	value, err := json.Marshal(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode multipart session: %w", err)
	}
	key := lease.MultipartKey(metaID, hash)
	if err := s.leases.InsertWithLease(ctx, key, value, lease.DefaultMoveTTL); err != nil {
		return nil, err
	}

	logger := log.WithComponent("staging")
	logger.Debug().
		Str("meta_id", metaID).Str("hash", hash).Int("parts", count).
		Msg("Multipart session created")
	return mp, nil
}

// CompletePart accepts one uploaded shard. It returns the indices still
// missing; an empty slice means the upload assembled, verified and landed in
// the normal cache. Concurrent completions of different parts are resolved
// by a compare-and-swap loop on the session's update timestamp.
func (s *Service) CompletePart(ctx context.Context, part *types.Part) ([]int, error) {
	key, mp, err := s.session(ctx, part.MetaID)
	if err != nil {
		return nil, err
	}
	if part.Nth < 0 || part.Nth >= mp.PartCount {
		return nil, fmt.Errorf("part index %d out of range [0,%d)", part.Nth, mp.PartCount)
	}

	if err := s.blobs.WritePart(part.MetaID, part.Nth, part.Content); err != nil {
		return nil, err
	}

	mp, err = s.removeShard(ctx, key, part.MetaID, part.Nth)
	if err != nil {
		return nil, err
	}
	metrics.PartsCompleted.Inc()

	if len(mp.Shards) > 0 {
		return mp.Shards, nil
	}
	if err := s.assemble(ctx, mp); err != nil {
		return nil, err
	}
	return []int{}, nil
}

// removeShard drops nth from the session's unfinished set under CAS: read,
// compute, re-read, compare timestamps, write. Exhaustion marks the meta's
// moves failed and fails ErrLockRetryExhausted.
func (s *Service) removeShard(ctx context.Context, key, metaID string, nth int) (*types.Multipart, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(casBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		kv, err := s.leases.GetOneByKeyGlob(ctx, key)
		if err != nil {
			return nil, sessionErr(metaID, err)
		}
		mp, err := decodeMultipart(kv.Value)
		if err != nil {
			return nil, err
		}
		remaining := removeIndex(mp.Shards, nth)

		// Re-read; another completion may have advanced the session.
		kv, err = s.leases.GetOneByKeyGlob(ctx, key)
		if err != nil {
			return nil, sessionErr(metaID, err)
		}
		current, err := decodeMultipart(kv.Value)
		if err != nil {
			return nil, err
		}
		if current.LastUpdateTimestamp != mp.LastUpdateTimestamp {
			continue
		}

		current.Shards = remaining
		current.LastUpdateTimestamp = s.now().UnixNano()
		value, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("failed to encode multipart session: %w", err)
		}
		if err := s.leases.UpdateWithLease(ctx, key, value, lease.DefaultMoveTTL); err != nil {
			return nil, sessionErr(metaID, err)
		}
		return current, nil
	}

	s.failMoves(ctx, metaID, "Lock retry failed")
	return nil, fmt.Errorf("multipart %s: %w", metaID, errdefs.ErrLockRetryExhausted)
}

// assemble concatenates the parts in order, verifies the declared hash,
// lands the bytes in the normal cache and records the file meta.
func (s *Service) assemble(ctx context.Context, mp *types.Multipart) error {
	var content []byte
	for i := 0; i < mp.PartCount; i++ {
		part, err := s.blobs.ReadPart(mp.MetaID, i)
		if err != nil {
			return err
		}
		content = append(content, part...)
	}

	completed, err := HashBytes(mp.HashAlgorithm, content)
	if err != nil {
		return err
	}
	if completed != mp.Hash {
		metrics.HashMismatches.Inc()
		reason := fmt.Sprintf("hash not match, provided %s, completed %s", mp.Hash, completed)
		s.failMoves(ctx, mp.MetaID, reason)
		return fmt.Errorf("multipart %s: %s: %w", mp.MetaID, reason, errdefs.ErrUnmatchedHash)
	}

	if err := s.blobs.WriteNormal(mp.MetaID, content); err != nil {
		return err
	}
	if err := s.blobs.RemoveMultipartDir(mp.MetaID); err != nil {
		return err
	}

	// First observation of this content.
	if _, err := s.entities.GetFileMeta(mp.MetaID); errors.Is(err, errdefs.ErrNotFound) {
		meta := &types.FileMeta{
			ID:            mp.MetaID,
			Hash:          mp.Hash,
			HashAlgorithm: mp.HashAlgorithm,
			Size:          int64(len(content)),
			CreatedAt:     s.now(),
		}
		if err := s.entities.CreateFileMeta(meta); err != nil {
			return err
		}
	}

	logger := log.WithComponent("staging")
	logger.Info().
		Str("meta_id", mp.MetaID).Int("size", len(content)).
		Msg("Multipart upload assembled")
	return nil
}

// session loads the active session of a meta id.
func (s *Service) session(ctx context.Context, metaID string) (string, *types.Multipart, error) {
	kv, err := s.leases.GetOneByKeyGlob(ctx, lease.MultipartByMetaGlob(metaID))
	if err != nil {
		return "", nil, sessionErr(metaID, err)
	}
	mp, err := decodeMultipart(kv.Value)
	if err != nil {
		return "", nil, err
	}
	return kv.Key, mp, nil
}

func sessionErr(metaID string, err error) error {
	if errors.Is(err, errdefs.ErrNotFound) || errors.Is(err, errdefs.ErrLeaseExpired) {
		return fmt.Errorf("meta %s: %w", metaID, errdefs.ErrMultipartNotFound)
	}
	return err
}

func decodeMultipart(value []byte) (*types.Multipart, error) {
	var mp types.Multipart
	if err := json.Unmarshal(value, &mp); err != nil {
		return nil, fmt.Errorf("failed to decode multipart session: %w", err)
	}
	return &mp, nil
}

func removeIndex(shards []int, nth int) []int {
	out := make([]int, 0, len(shards))
	for _, i := range shards {
		if i != nth {
			out = append(out, i)
		}
	}
	return out
}
