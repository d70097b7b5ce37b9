package batch

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"

	"github.com/weftworks/weft/pkg/types"
)

// Expand turns a batch-annotated draft into n sub-drafts, one element per
// batched slot each. A draft with no batched input slot expands to nil and
// the caller materialises a single node instance. When several slots batch,
// their counts must agree.
//
// upstreamCounts maps upstream node draft ids to their own expansion counts;
// FromBatchOutputs slots mirror them. Expansion runs at submit time only, so
// run-time scheduling never races with it.
func Expand(draft *types.NodeDraft, upstreamCounts map[string]int) ([]*types.NodeDraft, error) {
	count, err := Count(draft, upstreamCounts)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	subs := make([]*types.NodeDraft, count)
	for i := 0; i < count; i++ {
		sub, err := cloneDraft(draft)
		if err != nil {
			return nil, err
		}
		for _, slot := range sub.InputSlots {
			if slot.Batch == nil {
				continue
			}
			if err := fillSlot(slot, i); err != nil {
				return nil, fmt.Errorf("node %s slot %s: %w", draft.ID, slot.Descriptor, err)
			}
		}
		subs[i] = sub
	}
	return subs, nil
}

// Count returns the expansion count of a draft, 0 when nothing batches.
func Count(draft *types.NodeDraft, upstreamCounts map[string]int) (int, error) {
	count := 0
	for _, slot := range draft.InputSlots {
		if slot.Batch == nil {
			continue
		}
		c, err := slotCount(slot, upstreamCounts)
		if err != nil {
			return 0, fmt.Errorf("node %s slot %s: %w", draft.ID, slot.Descriptor, err)
		}
		if count == 0 {
			count = c
		} else if c != count {
			return 0, fmt.Errorf("node %s: batched slots disagree on count (%d vs %d)", draft.ID, count, c)
		}
	}
	return count, nil
}

func slotCount(slot *types.Slot, upstreamCounts map[string]int) (int, error) {
	switch slot.Batch.Kind {
	case types.BatchOriginal:
		if slot.Optional {
			return 0, fmt.Errorf("OriginalBatch slot must not be optional")
		}
		if len(slot.Contents) < 2 {
			return 0, fmt.Errorf("OriginalBatch slot needs more than one input, got %d", len(slot.Contents))
		}
		return len(slot.Contents), nil

	case types.BatchMatchRegex:
		if len(slot.Contents) != 1 {
			return 0, fmt.Errorf("MatchRegex slot needs exactly one input, got %d", len(slot.Contents))
		}
		if slot.Batch.FillCount <= 0 {
			return 0, fmt.Errorf("MatchRegex fill count must be positive, got %d", slot.Batch.FillCount)
		}
		return slot.Batch.FillCount, nil

	case types.BatchFromBatchOutputs:
		c, ok := upstreamCounts[slot.Batch.UpstreamNodeID]
		if !ok || c <= 0 {
			return 0, fmt.Errorf("upstream node %s has no batch expansion", slot.Batch.UpstreamNodeID)
		}
		return c, nil

	default:
		return 0, fmt.Errorf("unknown batch kind %q", slot.Batch.Kind)
	}
}

// fillSlot reduces one batched slot to the i-th element.
func fillSlot(slot *types.Slot, i int) error {
	switch slot.Batch.Kind {
	case types.BatchOriginal:
		slot.Contents = []string{slot.Contents[i]}

	case types.BatchMatchRegex:
		re, err := regexp.Compile(slot.Batch.RegexToMatch)
		if err != nil {
			return fmt.Errorf("invalid match regex %q: %w", slot.Batch.RegexToMatch, err)
		}
		fill, err := fillValue(slot.Batch.Filler, i)
		if err != nil {
			return err
		}
		slot.Contents = []string{re.ReplaceAllString(slot.Contents[0], fill)}

	case types.BatchFromBatchOutputs:
		// The element arrives from the upstream sub-node at run time.
	}
	slot.Batch = nil
	return nil
}

func fillValue(filler *types.Filler, i int) (string, error) {
	if filler == nil {
		return "", fmt.Errorf("MatchRegex slot has no filler")
	}
	switch filler.Kind {
	case types.FillerAutoNumber:
		return strconv.FormatInt(filler.Start+int64(i)*filler.Step, 10), nil
	case types.FillerEnumeration:
		if len(filler.Items) == 0 {
			return "", fmt.Errorf("Enumeration filler has no items")
		}
		return filler.Items[rand.Intn(len(filler.Items))], nil
	default:
		return "", fmt.Errorf("unknown filler kind %q", filler.Kind)
	}
}

func cloneDraft(draft *types.NodeDraft) (*types.NodeDraft, error) {
	data, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to clone node draft %s: %w", draft.ID, err)
	}
	var out types.NodeDraft
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone node draft %s: %w", draft.ID, err)
	}
	return &out, nil
}
