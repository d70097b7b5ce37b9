package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/types"
)

// TaskChange reports a task status transition
type TaskChange struct {
	TaskID        string               `json:"task_id"`
	Status        types.TaskStatus     `json:"status"`
	Message       string               `json:"message,omitempty"`
	UsedResources *types.ResourceUsage `json:"used_resources,omitempty"`
}

// NodeChange reports a node-instance status transition
type NodeChange struct {
	NodeID        string               `json:"node_id"`
	Status        types.NodeStatus     `json:"status"`
	Message       string               `json:"message,omitempty"`
	UsedResources *types.ResourceUsage `json:"used_resources,omitempty"`
}

// FlowChange reports a flow-instance status transition
type FlowChange struct {
	FlowID string           `json:"flow_id"`
	Status types.FlowStatus `json:"status"`
}

// ChangeMsg is the tagged union carried by the status topics. Exactly one of
// Task, Node, Flow is set.
type ChangeMsg struct {
	ID   string      `json:"id"`
	Task *TaskChange `json:"task,omitempty"`
	Node *NodeChange `json:"node,omitempty"`
	Flow *FlowChange `json:"flow,omitempty"`
}

// Key returns the entity id the message is about, used as the mailbox key.
func (m *ChangeMsg) Key() string {
	switch {
	case m.Task != nil:
		return m.Task.TaskID
	case m.Node != nil:
		return m.Node.NodeID
	case m.Flow != nil:
		return m.Flow.FlowID
	}
	return ""
}

// DecodeChange parses a ChangeMsg body.
func DecodeChange(body []byte) (*ChangeMsg, error) {
	var m ChangeMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to decode change message: %w", err)
	}
	return &m, nil
}

func (b *Broker) publishChange(ctx context.Context, topic string, m *ChangeMsg) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode change message: %w", err)
	}
	return b.Publish(ctx, topic, m.Key(), body)
}

// PublishTaskChange publishes a TaskChange on the task status topic.
func (b *Broker) PublishTaskChange(ctx context.Context, c *TaskChange) error {
	return b.publishChange(ctx, TopicTaskStatus, &ChangeMsg{Task: c})
}

// PublishNodeChange publishes a NodeChange on the node status topic.
func (b *Broker) PublishNodeChange(ctx context.Context, c *NodeChange) error {
	return b.publishChange(ctx, TopicNodeStatus, &ChangeMsg{Node: c})
}

// PublishFlowChange publishes a FlowChange on the flow status topic.
func (b *Broker) PublishFlowChange(ctx context.Context, c *FlowChange) error {
	return b.publishChange(ctx, TopicFlowStatus, &ChangeMsg{Flow: c})
}

// PublishFlowEvaluate asks the flow scheduler to re-aggregate a flow's node
// statuses. Published after a node terminal transition is persisted.
func (b *Broker) PublishFlowEvaluate(ctx context.Context, flowID string) error {
	return b.publishChange(ctx, TopicFlowEvaluate, &ChangeMsg{Flow: &FlowChange{FlowID: flowID}})
}
