package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/types"
)

// A file-text slot "seed_###" with AutoNumber{start=1, step=2} over 3 copies
// yields seed_1, seed_3, seed_5.
func TestMatchRegexAutoNumber(t *testing.T) {
	draft := &types.NodeDraft{
		ID:   "n1",
		Kind: types.NodeKindSoftwareUsecaseComputing,
		InputSlots: []*types.Slot{{
			Descriptor: "seed",
			Kind:       types.SlotKindText,
			Contents:   []string{"seed_###"},
			Batch: &types.BatchStrategy{
				Kind:         types.BatchMatchRegex,
				RegexToMatch: "###",
				FillCount:    3,
				Filler:       &types.Filler{Kind: types.FillerAutoNumber, Start: 1, Step: 2},
			},
		}},
	}

	subs, err := Expand(draft, nil)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	want := []string{"seed_1", "seed_3", "seed_5"}
	for i, sub := range subs {
		slot := sub.InputSlot("seed")
		require.NotNil(t, slot)
		assert.Equal(t, []string{want[i]}, slot.Contents)
		assert.Nil(t, slot.Batch, "sub-draft slots carry resolved contents")
	}
}

func TestMatchRegexEnumeration(t *testing.T) {
	items := []string{"fast", "accurate"}
	draft := &types.NodeDraft{
		ID: "n1",
		InputSlots: []*types.Slot{{
			Descriptor: "mode",
			Kind:       types.SlotKindText,
			Contents:   []string{"mode=@@"},
			Batch: &types.BatchStrategy{
				Kind:         types.BatchMatchRegex,
				RegexToMatch: "@@",
				FillCount:    5,
				Filler:       &types.Filler{Kind: types.FillerEnumeration, Items: items},
			},
		}},
	}

	subs, err := Expand(draft, nil)
	require.NoError(t, err)
	require.Len(t, subs, 5)

	for _, sub := range subs {
		got := sub.InputSlot("mode").Contents[0]
		assert.Contains(t, []string{"mode=fast", "mode=accurate"}, got)
	}
}

func TestOriginalBatchSplitsInputs(t *testing.T) {
	draft := &types.NodeDraft{
		ID: "n1",
		InputSlots: []*types.Slot{
			{
				Descriptor: "conf",
				Kind:       types.SlotKindFile,
				Contents:   []string{"meta-a", "meta-b", "meta-c"},
				Batch:      &types.BatchStrategy{Kind: types.BatchOriginal},
			},
			{
				Descriptor: "common",
				Kind:       types.SlotKindText,
				Contents:   []string{"shared"},
			},
		},
	}

	subs, err := Expand(draft, nil)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, []string{"meta-b"}, subs[1].InputSlot("conf").Contents)
	// Non-batched slots pass through unchanged.
	for _, sub := range subs {
		assert.Equal(t, []string{"shared"}, sub.InputSlot("common").Contents)
	}
}

func TestFromBatchOutputsMirrorsUpstream(t *testing.T) {
	draft := &types.NodeDraft{
		ID: "n2",
		InputSlots: []*types.Slot{{
			Descriptor:   "result",
			Kind:         types.SlotKindFile,
			FromUpstream: true,
			Batch: &types.BatchStrategy{
				Kind:           types.BatchFromBatchOutputs,
				UpstreamNodeID: "n1",
				UpstreamSlot:   "out",
			},
		}},
	}

	subs, err := Expand(draft, map[string]int{"n1": 4})
	require.NoError(t, err)
	assert.Len(t, subs, 4)

	_, err = Expand(draft, map[string]int{})
	assert.Error(t, err)
}

func TestNoBatchSlotsExpandToNothing(t *testing.T) {
	draft := &types.NodeDraft{
		ID:         "n1",
		InputSlots: []*types.Slot{{Descriptor: "in", Contents: []string{"x"}}},
	}

	subs, err := Expand(draft, nil)
	require.NoError(t, err)
	assert.Nil(t, subs)
}

func TestExpandRejections(t *testing.T) {
	tests := []struct {
		name string
		slot *types.Slot
	}{
		{
			"original batch with one input",
			&types.Slot{
				Descriptor: "s",
				Contents:   []string{"only"},
				Batch:      &types.BatchStrategy{Kind: types.BatchOriginal},
			},
		},
		{
			"original batch optional",
			&types.Slot{
				Descriptor: "s",
				Optional:   true,
				Contents:   []string{"a", "b"},
				Batch:      &types.BatchStrategy{Kind: types.BatchOriginal},
			},
		},
		{
			"match regex with two inputs",
			&types.Slot{
				Descriptor: "s",
				Contents:   []string{"a", "b"},
				Batch: &types.BatchStrategy{
					Kind: types.BatchMatchRegex, RegexToMatch: "x", FillCount: 2,
					Filler: &types.Filler{Kind: types.FillerAutoNumber, Start: 0, Step: 1},
				},
			},
		},
		{
			"match regex without filler",
			&types.Slot{
				Descriptor: "s",
				Contents:   []string{"a"},
				Batch:      &types.BatchStrategy{Kind: types.BatchMatchRegex, RegexToMatch: "x", FillCount: 2},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := &types.NodeDraft{ID: "n1", InputSlots: []*types.Slot{tt.slot}}
			_, err := Expand(draft, nil)
			assert.Error(t, err)
		})
	}
}

func TestDisagreeingCountsFail(t *testing.T) {
	draft := &types.NodeDraft{
		ID: "n1",
		InputSlots: []*types.Slot{
			{
				Descriptor: "a",
				Contents:   []string{"x", "y"},
				Batch:      &types.BatchStrategy{Kind: types.BatchOriginal},
			},
			{
				Descriptor: "b",
				Contents:   []string{"t_#"},
				Batch: &types.BatchStrategy{
					Kind: types.BatchMatchRegex, RegexToMatch: "#", FillCount: 3,
					Filler: &types.Filler{Kind: types.FillerAutoNumber, Start: 0, Step: 1},
				},
			},
		},
	}

	_, err := Expand(draft, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disagree")
}
