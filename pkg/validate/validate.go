package validate

import (
	"fmt"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/types"
)

// MetaLookup reports whether a file meta id is known to the system.
type MetaLookup func(metaID string) bool

// Draft checks a workflow spec against the submission rules, in rule order,
// and returns the first violation as *errdefs.DraftViolationError. A nil
// return means the draft may be materialised.
func Draft(spec *types.WorkflowSpec, metaKnown MetaLookup) error {
	checks := []func(*types.WorkflowSpec) *errdefs.DraftViolationError{
		checkNonEmpty,
		checkRelationRefs,
		checkSlotPairs,
		checkMatchRegexInputs,
		checkOriginalBatchInputs,
		checkFromBatchUpstream,
		checkSingleBatchStrategy,
		checkSchedulingQueues,
		checkSlotContents,
	}
	for _, check := range checks {
		if v := check(spec); v != nil {
			return v
		}
	}
	if v := checkFileMetasKnown(spec, metaKnown); v != nil {
		return v
	}
	return nil
}

// Rule 1: node_drafts is non-empty.
func checkNonEmpty(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	if spec == nil || len(spec.NodeDrafts) == 0 {
		return &errdefs.DraftViolationError{
			Rule:   errdefs.RuleNonEmptyDrafts,
			Detail: "workflow has no node drafts",
		}
	}
	return nil
}

// Rule 2: every node id referenced by node_relations exists.
func checkRelationRefs(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	for _, rel := range spec.NodeRelations {
		for _, id := range []string{rel.FromID, rel.ToID} {
			if spec.NodeDraft(id) == nil {
				return &errdefs.DraftViolationError{
					Rule:   errdefs.RuleRelationRefsExist,
					NodeID: id,
					Detail: fmt.Sprintf("relation references unknown node %s", id),
				}
			}
		}
	}
	return nil
}

// Rule 3: slot descriptors in a relation exist on both endpoints with
// matching kinds.
func checkSlotPairs(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	for _, rel := range spec.NodeRelations {
		if rel.FromSlot == "" && rel.ToSlot == "" {
			continue
		}
		from := spec.NodeDraft(rel.FromID)
		to := spec.NodeDraft(rel.ToID)
		out := from.OutputSlot(rel.FromSlot)
		if out == nil {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleSlotPairsMatch,
				NodeID: rel.FromID,
				Slot:   rel.FromSlot,
				Detail: fmt.Sprintf("node %s has no output slot %s", rel.FromID, rel.FromSlot),
			}
		}
		in := to.InputSlot(rel.ToSlot)
		if in == nil {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleSlotPairsMatch,
				NodeID: rel.ToID,
				Slot:   rel.ToSlot,
				Detail: fmt.Sprintf("node %s has no input slot %s", rel.ToID, rel.ToSlot),
			}
		}
		if out.Kind != in.Kind {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleSlotPairsMatch,
				NodeID: rel.ToID,
				Slot:   rel.ToSlot,
				Detail: fmt.Sprintf("slot kinds differ: %s is %s, %s is %s",
					rel.FromSlot, out.Kind, rel.ToSlot, in.Kind),
			}
		}
	}
	return nil
}

// Rule 4: a MatchRegex slot has exactly one input.
func checkMatchRegexInputs(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	return eachBatchSlot(spec, types.BatchMatchRegex, func(d *types.NodeDraft, s *types.Slot) *errdefs.DraftViolationError {
		if len(s.Contents) != 1 {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleMatchRegexSingleInput,
				NodeID: d.ID,
				Slot:   s.Descriptor,
				Detail: fmt.Sprintf("MatchRegex slot needs exactly one input, got %d", len(s.Contents)),
			}
		}
		return nil
	})
}

// Rule 5: an OriginalBatch slot has more than one input and is not optional.
func checkOriginalBatchInputs(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	return eachBatchSlot(spec, types.BatchOriginal, func(d *types.NodeDraft, s *types.Slot) *errdefs.DraftViolationError {
		if len(s.Contents) < 2 || s.Optional {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleOriginalBatchInputs,
				NodeID: d.ID,
				Slot:   s.Descriptor,
				Detail: "OriginalBatch slot needs more than one input and optional=false",
			}
		}
		return nil
	})
}

// Rule 6: a FromBatchOutputs slot names an upstream node whose paired output
// slot itself declares batching.
func checkFromBatchUpstream(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	return eachBatchSlot(spec, types.BatchFromBatchOutputs, func(d *types.NodeDraft, s *types.Slot) *errdefs.DraftViolationError {
		violation := &errdefs.DraftViolationError{
			Rule:   errdefs.RuleFromBatchUpstreamBatched,
			NodeID: d.ID,
			Slot:   s.Descriptor,
			Detail: fmt.Sprintf("upstream node %s slot %s does not declare batching",
				s.Batch.UpstreamNodeID, s.Batch.UpstreamSlot),
		}
		upstream := spec.NodeDraft(s.Batch.UpstreamNodeID)
		if upstream == nil {
			return violation
		}
		paired := upstream.OutputSlot(s.Batch.UpstreamSlot)
		if paired == nil || paired.Batch == nil {
			return violation
		}
		return nil
	})
}

// Rule 7: a batch annotation must be unambiguous; fields of only the declared
// strategy may be populated.
func checkSingleBatchStrategy(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	for _, d := range spec.NodeDrafts {
		for _, s := range allSlots(d) {
			b := s.Batch
			if b == nil {
				continue
			}
			regexSet := b.RegexToMatch != "" || b.FillCount != 0 || b.Filler != nil
			upstreamSet := b.UpstreamNodeID != "" || b.UpstreamSlot != ""
			ambiguous := (b.Kind == types.BatchMatchRegex && upstreamSet) ||
				(b.Kind == types.BatchFromBatchOutputs && regexSet) ||
				(b.Kind == types.BatchOriginal && (regexSet || upstreamSet))
			if ambiguous {
				return &errdefs.DraftViolationError{
					Rule:   errdefs.RuleSingleBatchStrategy,
					NodeID: d.ID,
					Slot:   s.Descriptor,
					Detail: fmt.Sprintf("slot mixes fields of several batch strategies (kind %s)", b.Kind),
				}
			}
		}
	}
	return nil
}

// Rule 8: Manual and Prefer scheduling list at least one queue.
func checkSchedulingQueues(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	for _, d := range spec.NodeDrafts {
		kind := d.Scheduling.Kind
		if (kind == types.SchedulingManual || kind == types.SchedulingPrefer) && len(d.Scheduling.Queues) == 0 {
			return &errdefs.DraftViolationError{
				Rule:   errdefs.RuleSchedulingQueuesListed,
				NodeID: d.ID,
				Detail: fmt.Sprintf("%s scheduling lists no queues", kind),
			}
		}
	}
	return nil
}

// Rule 9: a slot not fed by an upstream output carries contents; one fed by
// upstream carries none.
func checkSlotContents(spec *types.WorkflowSpec) *errdefs.DraftViolationError {
	for _, d := range spec.NodeDrafts {
		for _, s := range d.InputSlots {
			if s.Optional {
				continue
			}
			if !s.FromUpstream && len(s.Contents) == 0 {
				return &errdefs.DraftViolationError{
					Rule:   errdefs.RuleSlotContents,
					NodeID: d.ID,
					Slot:   s.Descriptor,
					Detail: "slot carries no contents and no upstream binding",
				}
			}
			if s.FromUpstream && len(s.Contents) > 0 {
				return &errdefs.DraftViolationError{
					Rule:   errdefs.RuleSlotContents,
					NodeID: d.ID,
					Slot:   s.Descriptor,
					Detail: "slot bound to upstream must not carry contents",
				}
			}
		}
	}
	return nil
}

// Rule 10: every file input references a known FileMeta.
func checkFileMetasKnown(spec *types.WorkflowSpec, metaKnown MetaLookup) *errdefs.DraftViolationError {
	if metaKnown == nil {
		return nil
	}
	for _, d := range spec.NodeDrafts {
		for _, s := range d.InputSlots {
			if s.Kind != types.SlotKindFile || s.FromUpstream {
				continue
			}
			for _, metaID := range s.Contents {
				if !metaKnown(metaID) {
					return &errdefs.DraftViolationError{
						Rule:   errdefs.RuleFileMetaKnown,
						NodeID: d.ID,
						Slot:   s.Descriptor,
						Detail: fmt.Sprintf("file meta %s is unknown", metaID),
					}
				}
			}
		}
	}
	return nil
}

func allSlots(d *types.NodeDraft) []*types.Slot {
	slots := make([]*types.Slot, 0, len(d.InputSlots)+len(d.OutputSlots))
	slots = append(slots, d.InputSlots...)
	return append(slots, d.OutputSlots...)
}

func eachBatchSlot(spec *types.WorkflowSpec, kind types.BatchKind,
	fn func(*types.NodeDraft, *types.Slot) *errdefs.DraftViolationError) *errdefs.DraftViolationError {
	for _, d := range spec.NodeDrafts {
		for _, s := range d.InputSlots {
			if s.Batch == nil || s.Batch.Kind != kind {
				continue
			}
			if v := fn(d, s); v != nil {
				return v
			}
		}
	}
	return nil
}
