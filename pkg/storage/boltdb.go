package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/types"
)

var (
	// Bucket names
	bucketDrafts        = []byte("workflow_drafts")
	bucketInstances     = []byte("flow_instances")
	bucketNodeInstances = []byte("node_instances")
	bucketTasks         = []byte("tasks")
	bucketQueues        = []byte("queues")
	bucketFileMetas     = []byte("file_metas")
	bucketSnapshots     = []byte("snapshots")
	bucketNetDisk       = []byte("netdisk_entries")
)

// BoltStore implements Store using BoltDB with one bucket per aggregate and
// JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "weft.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDrafts,
			bucketInstances,
			bucketNodeInstances,
			bucketTasks,
			bucketQueues,
			bucketFileMetas,
			bucketSnapshots,
			bucketNetDisk,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// nowMillis returns the current epoch millis, strictly greater than prev so
// the optimistic-lock version always advances.
func nowMillis(prev int64) int64 {
	now := time.Now().UnixMilli()
	if now <= prev {
		now = prev + 1
	}
	return now
}

// Draft operations

func (s *BoltStore) CreateDraft(draft *types.WorkflowDraft) error {
	return s.put(bucketDrafts, draft.ID, draft)
}

func (s *BoltStore) GetDraft(id string) (*types.WorkflowDraft, error) {
	var draft types.WorkflowDraft
	if err := s.get(bucketDrafts, id, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// Workflow instance operations

func (s *BoltStore) CreateInstance(inst *types.WorkflowInstance) error {
	if inst.LastModifiedTime == 0 {
		inst.LastModifiedTime = nowMillis(0)
	}
	return s.put(bucketInstances, inst.ID, inst)
}

func (s *BoltStore) GetInstance(id string) (*types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	if err := s.get(bucketInstances, id, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) UpdateInstance(inst *types.WorkflowInstance) error {
	inst.LastModifiedTime = nowMillis(inst.LastModifiedTime)
	return s.put(bucketInstances, inst.ID, inst)
}

func (s *BoltStore) UpdateInstanceWithLock(inst *types.WorkflowInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(inst.ID))
		if data == nil {
			return fmt.Errorf("flow instance %s: %w", inst.ID, errdefs.ErrNotFound)
		}
		var current types.WorkflowInstance
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.LastModifiedTime != inst.LastModifiedTime {
			return fmt.Errorf("flow instance %s: %w", inst.ID, errdefs.ErrOptimisticLock)
		}
		inst.LastModifiedTime = nowMillis(inst.LastModifiedTime)
		updated, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.ID), updated)
	})
}

func (s *BoltStore) ListInstances() ([]*types.WorkflowInstance, error) {
	var instances []*types.WorkflowInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.WorkflowInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

// Node instance operations

func (s *BoltStore) CreateNodeInstance(node *types.NodeInstance) error {
	if node.LastModifiedTime == 0 {
		node.LastModifiedTime = nowMillis(0)
	}
	return s.put(bucketNodeInstances, node.ID, node)
}

func (s *BoltStore) GetNodeInstance(id string) (*types.NodeInstance, error) {
	var node types.NodeInstance
	if err := s.get(bucketNodeInstances, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) UpdateNodeInstance(node *types.NodeInstance) error {
	node.LastModifiedTime = nowMillis(node.LastModifiedTime)
	return s.put(bucketNodeInstances, node.ID, node)
}

func (s *BoltStore) UpdateNodeInstanceWithLock(node *types.NodeInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeInstances)
		data := b.Get([]byte(node.ID))
		if data == nil {
			return fmt.Errorf("node instance %s: %w", node.ID, errdefs.ErrNotFound)
		}
		var current types.NodeInstance
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.LastModifiedTime != node.LastModifiedTime {
			return fmt.Errorf("node instance %s: %w", node.ID, errdefs.ErrOptimisticLock)
		}
		node.LastModifiedTime = nowMillis(node.LastModifiedTime)
		updated, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), updated)
	})
}

func (s *BoltStore) ListNodeInstancesByFlow(flowID string) ([]*types.NodeInstance, error) {
	var nodes []*types.NodeInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeInstances).ForEach(func(k, v []byte) error {
			var node types.NodeInstance
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.FlowInstanceID == flowID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodeInstancesByBatchParent(parentID string) ([]*types.NodeInstance, error) {
	var nodes []*types.NodeInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeInstances).ForEach(func(k, v []byte) error {
			var node types.NodeInstance
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.BatchParentID == parentID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].BatchIndex < nodes[j].BatchIndex })
	return nodes, nil
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := s.get(bucketTasks, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.delete(bucketTasks, id)
}

func (s *BoltStore) ListTasksByNodeInstance(nodeInstanceID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.NodeInstanceID == nodeInstanceID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (s *BoltStore) ListTasksByQueue(queueID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.QueueID == queueID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// Queue operations

func (s *BoltStore) CreateQueue(queue *types.Queue) error {
	return s.put(bucketQueues, queue.ID, queue)
}

func (s *BoltStore) GetQueue(id string) (*types.Queue, error) {
	var queue types.Queue
	if err := s.get(bucketQueues, id, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

func (s *BoltStore) UpdateQueue(queue *types.Queue) error {
	return s.put(bucketQueues, queue.ID, queue)
}

func (s *BoltStore) ListQueues() ([]*types.Queue, error) {
	var queues []*types.Queue
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueues).ForEach(func(k, v []byte) error {
			var queue types.Queue
			if err := json.Unmarshal(v, &queue); err != nil {
				return err
			}
			queues = append(queues, &queue)
			return nil
		})
	})
	return queues, err
}

func (s *BoltStore) DeleteQueue(id string) error {
	return s.delete(bucketQueues, id)
}

// File meta operations

func (s *BoltStore) CreateFileMeta(meta *types.FileMeta) error {
	return s.put(bucketFileMetas, meta.ID, meta)
}

func (s *BoltStore) GetFileMeta(id string) (*types.FileMeta, error) {
	var meta types.FileMeta
	if err := s.get(bucketFileMetas, id, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) GetFileMetaByHash(hash string, alg types.HashAlgorithm) (*types.FileMeta, error) {
	var found *types.FileMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFileMetas).ForEach(func(k, v []byte) error {
			var meta types.FileMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if meta.Hash == hash && meta.HashAlgorithm == alg {
				found = &meta
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("file meta %s/%s: %w", alg, hash, errdefs.ErrNotFound)
	}
	return found, nil
}

// Snapshot operations

func (s *BoltStore) CreateSnapshot(snap *types.Snapshot) error {
	return s.put(bucketSnapshots, snap.ID, snap)
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := s.get(bucketSnapshots, id, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.delete(bucketSnapshots, id)
}

func (s *BoltStore) ListSnapshotsByMeta(metaID string) ([]*types.Snapshot, error) {
	return s.listSnapshots(func(snap *types.Snapshot) bool { return snap.MetaID == metaID })
}

func (s *BoltStore) ListSnapshotsByNode(nodeID string) ([]*types.Snapshot, error) {
	return s.listSnapshots(func(snap *types.Snapshot) bool { return snap.NodeID == nodeID })
}

func (s *BoltStore) listSnapshots(match func(*types.Snapshot) bool) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if match(&snap) {
				snaps = append(snaps, &snap)
			}
			return nil
		})
	})
	return snaps, err
}

// Net-disk operations

func (s *BoltStore) CreateNetDiskEntry(entry *types.NetDiskEntry) error {
	return s.put(bucketNetDisk, entry.ID, entry)
}

func (s *BoltStore) GetNetDiskEntry(id string) (*types.NetDiskEntry, error) {
	var entry types.NetDiskEntry
	if err := s.get(bucketNetDisk, id, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) FindNetDiskEntry(parentID, name, ownerID string) (*types.NetDiskEntry, error) {
	var found *types.NetDiskEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetDisk).ForEach(func(k, v []byte) error {
			var entry types.NetDiskEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ParentID == parentID && entry.Name == name && entry.OwnerID == ownerID {
				found = &entry
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("netdisk entry %s/%s: %w", parentID, name, errdefs.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListNetDiskEntriesByParent(parentID string) ([]*types.NetDiskEntry, error) {
	var entries []*types.NetDiskEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetDisk).ForEach(func(k, v []byte) error {
			var entry types.NetDiskEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ParentID == parentID {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteNetDiskEntry(id string) error {
	return s.delete(bucketNetDisk, id)
}
