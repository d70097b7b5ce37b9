package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/batch"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
	"github.com/weftworks/weft/pkg/validate"
)

// SubmitWorkflow validates a draft and materialises it: one workflow
// instance, one node instance per draft node, and for batch-annotated nodes a
// bookkeeping parent plus one child per batch element. Everything lands in a
// single transaction; a validation failure writes nothing.
//
// The instance gets its own copy of the spec, so later edits to the draft
// never leak into a running flow.
func (e *Engine) SubmitWorkflow(ctx context.Context, draftID string) (*types.WorkflowInstance, error) {
	draft, err := e.entities.GetDraft(draftID)
	if err != nil {
		return nil, err
	}

	metaKnown := func(metaID string) bool {
		_, err := e.entities.GetFileMeta(metaID)
		return err == nil
	}
	if err := validate.Draft(draft.Spec, metaKnown); err != nil {
		return nil, err
	}

	spec, err := freezeSpec(draft.Spec)
	if err != nil {
		return nil, err
	}
	order, err := topoOrder(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &types.WorkflowInstance{
		ID:               uuid.New().String(),
		UserID:           draft.UserID,
		DraftID:          draft.ID,
		Name:             draft.Name,
		Spec:             spec,
		Status:           types.FlowStatusCreated,
		LastModifiedTime: now.UnixMilli(),
		CreatedAt:        now,
	}

	writes := e.entities.Batch()
	writes.CreateInstance(inst)

	counts := make(map[string]int)
	total := 0
	for _, d := range order {
		subs, err := batch.Expand(d, counts)
		if err != nil {
			return nil, err
		}

		if len(subs) == 0 {
			writes.CreateNodeInstance(newNodeInstance(inst.ID, d.ID, d.Name, d, now))
			total++
			continue
		}

		counts[d.ID] = len(subs)
		parent := newNodeInstance(inst.ID, d.ID, d.Name, d, now)
		parent.IsParent = true
		writes.CreateNodeInstance(parent)
		for i, sub := range subs {
			child := newNodeInstance(inst.ID, d.ID, fmt.Sprintf("%s[%d]", d.Name, i), sub, now)
			child.BatchParentID = parent.ID
			child.BatchIndex = i
			writes.CreateNodeInstance(child)
			total++
		}
	}

	if err := writes.SaveChanged(); err != nil {
		return nil, fmt.Errorf("failed to materialise workflow %s: %w", draft.ID, err)
	}

	logger := log.WithFlowID(inst.ID)
	logger.Info().
		Str("draft_id", draft.ID).Int("nodes", total).
		Msg("Workflow submitted")
	return inst, nil
}

func newNodeInstance(flowID, draftNodeID, name string, spec *types.NodeDraft, now time.Time) *types.NodeInstance {
	return &types.NodeInstance{
		ID:               uuid.New().String(),
		FlowInstanceID:   flowID,
		DraftNodeID:      draftNodeID,
		Name:             name,
		Kind:             spec.Kind,
		Spec:             spec,
		Status:           types.NodeStatusCreated,
		LastModifiedTime: now.UnixMilli(),
		CreatedAt:        now,
	}
}

// freezeSpec deep-copies the draft spec through its wire form.
func freezeSpec(spec *types.WorkflowSpec) (*types.WorkflowSpec, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to freeze workflow spec: %w", err)
	}
	var out types.WorkflowSpec
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to freeze workflow spec: %w", err)
	}
	return &out, nil
}

// topoOrder returns the drafts in dependency order so upstream batch counts
// exist before downstream nodes expand.
func topoOrder(spec *types.WorkflowSpec) ([]*types.NodeDraft, error) {
	indegree := make(map[string]int, len(spec.NodeDrafts))
	for _, d := range spec.NodeDrafts {
		indegree[d.ID] = 0
	}
	for _, r := range spec.NodeRelations {
		indegree[r.ToID]++
	}

	var ready []string
	for _, d := range spec.NodeDrafts {
		if indegree[d.ID] == 0 {
			ready = append(ready, d.ID)
		}
	}

	var order []*types.NodeDraft
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, spec.NodeDraft(id))
		for _, r := range spec.NodeRelations {
			if r.FromID != id {
				continue
			}
			indegree[r.ToID]--
			if indegree[r.ToID] == 0 {
				ready = append(ready, r.ToID)
			}
		}
	}

	if len(order) != len(spec.NodeDrafts) {
		return nil, fmt.Errorf("workflow graph has a cycle")
	}
	return order, nil
}
