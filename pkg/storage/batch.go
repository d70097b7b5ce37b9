package storage

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/weftworks/weft/pkg/types"
)

type batchOp struct {
	bucket []byte
	key    string
	value  interface{} // nil means delete
}

// boltBatch queues writes in memory and commits them in one bolt transaction.
type boltBatch struct {
	store *BoltStore
	ops   []batchOp
}

// Batch opens a deferred write set.
func (s *BoltStore) Batch() Batch {
	return &boltBatch{store: s}
}

func (b *boltBatch) CreateInstance(inst *types.WorkflowInstance) {
	if inst.LastModifiedTime == 0 {
		inst.LastModifiedTime = nowMillis(0)
	}
	b.ops = append(b.ops, batchOp{bucketInstances, inst.ID, inst})
}

func (b *boltBatch) UpdateInstance(inst *types.WorkflowInstance) {
	inst.LastModifiedTime = nowMillis(inst.LastModifiedTime)
	b.ops = append(b.ops, batchOp{bucketInstances, inst.ID, inst})
}

func (b *boltBatch) CreateNodeInstance(node *types.NodeInstance) {
	if node.LastModifiedTime == 0 {
		node.LastModifiedTime = nowMillis(0)
	}
	b.ops = append(b.ops, batchOp{bucketNodeInstances, node.ID, node})
}

func (b *boltBatch) UpdateNodeInstance(node *types.NodeInstance) {
	node.LastModifiedTime = nowMillis(node.LastModifiedTime)
	b.ops = append(b.ops, batchOp{bucketNodeInstances, node.ID, node})
}

func (b *boltBatch) CreateTask(task *types.Task) {
	b.ops = append(b.ops, batchOp{bucketTasks, task.ID, task})
}

func (b *boltBatch) UpdateTask(task *types.Task) {
	b.ops = append(b.ops, batchOp{bucketTasks, task.ID, task})
}

func (b *boltBatch) DeleteTask(id string) {
	b.ops = append(b.ops, batchOp{bucketTasks, id, nil})
}

func (b *boltBatch) CreateFileMeta(meta *types.FileMeta) {
	b.ops = append(b.ops, batchOp{bucketFileMetas, meta.ID, meta})
}

func (b *boltBatch) CreateSnapshot(snap *types.Snapshot) {
	b.ops = append(b.ops, batchOp{bucketSnapshots, snap.ID, snap})
}

func (b *boltBatch) CreateNetDiskEntry(entry *types.NetDiskEntry) {
	b.ops = append(b.ops, batchOp{bucketNetDisk, entry.ID, entry})
}

// SaveChanged commits every queued write atomically. The batch may be reused
// after a successful commit; the queue is cleared.
func (b *boltBatch) SaveChanged() error {
	if len(b.ops) == 0 {
		return nil
	}
	err := b.store.db.Update(func(tx *bolt.Tx) error {
		for _, op := range b.ops {
			bkt := tx.Bucket(op.bucket)
			if op.value == nil {
				if err := bkt.Delete([]byte(op.key)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(op.value)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(op.key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.ops = b.ops[:0]
	return nil
}
