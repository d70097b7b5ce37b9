package netdisk

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

// TargetKind selects where a projected file lands in the virtual tree
type TargetKind string

const (
	// TargetNodeInstance files land under user root / flows root /
	// flow dir / node dir.
	TargetNodeInstance TargetKind = "NodeInstance"
	// TargetNormal files land under an explicit parent, defaulting to the
	// user root.
	TargetNormal TargetKind = "Normal"
	// TargetFlowDraft only ensures the user root exists; draft files are no
	// longer projected.
	TargetFlowDraft TargetKind = "FlowDraft"
)

// CreateRequest describes one file projection.
type CreateRequest struct {
	OwnerID  string
	MetaID   string
	Name     string
	FileType string
	Kind     TargetKind

	// NodeInstance targets
	FlowID   string
	FlowName string
	NodeID   string
	NodeName string

	// Normal targets; empty means the user root
	ParentID string
}

// Projector maintains the per-user virtual directory tree.
type Projector struct {
	store storage.Store
	now   func() time.Time
}

// NewProjector builds a projector over the entity store.
func NewProjector(store storage.Store) *Projector {
	return &Projector{store: store, now: time.Now}
}

// Root ids are derived from the user id so concurrent create-if-missing on
// the same user converges on the same rows instead of racing into
// duplicates.

// UserRootID returns the id of a user's tree root.
func UserRootID(userID string) string { return userID }

// DraftRootID returns the id of a user's flow-draft directory.
func DraftRootID(userID string) string { return userID + ".drafts" }

// FlowRootID returns the id of a user's flow-instance directory.
func FlowRootID(userID string) string { return userID + ".flows" }

// CreateFile projects one file into the tree per the request kind and
// returns the created entry (nil for FlowDraft, which creates no file).
// Name collisions on (parent, name, owner) get a timestamp suffix.
func (p *Projector) CreateFile(req *CreateRequest) (*types.NetDiskEntry, error) {
	root, err := p.ensureRoot(req.OwnerID)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case TargetFlowDraft:
		// Ensure the draft directory exists alongside the root.
		if _, err := p.ensureDir(DraftRootID(req.OwnerID), root.ID, "drafts", req.OwnerID); err != nil {
			return nil, err
		}
		return nil, nil

	case TargetNormal:
		parentID := req.ParentID
		if parentID == "" {
			parentID = root.ID
		}
		return p.insertFile(parentID, req)

	case TargetNodeInstance:
		flowRoot, err := p.ensureDir(FlowRootID(req.OwnerID), root.ID, "flows", req.OwnerID)
		if err != nil {
			return nil, err
		}
		flowDir, err := p.ensureDir(
			fmt.Sprintf("%s.%s", FlowRootID(req.OwnerID), req.FlowID),
			flowRoot.ID, dirName(req.FlowName, req.FlowID), req.OwnerID)
		if err != nil {
			return nil, err
		}
		nodeDir, err := p.ensureDir(
			fmt.Sprintf("%s.%s.%s", FlowRootID(req.OwnerID), req.FlowID, req.NodeID),
			flowDir.ID, dirName(req.NodeName, req.NodeID), req.OwnerID)
		if err != nil {
			return nil, err
		}
		return p.insertFile(nodeDir.ID, req)

	default:
		return nil, fmt.Errorf("unknown net-disk target kind %q", req.Kind)
	}
}

// ensureRoot looks up or creates the user's tree root.
func (p *Projector) ensureRoot(ownerID string) (*types.NetDiskEntry, error) {
	return p.ensureDir(UserRootID(ownerID), "", ownerID, ownerID)
}

// ensureDir is create-if-missing keyed by the deterministic id, so two
// concurrent callers both land on the same row.
func (p *Projector) ensureDir(id, parentID, name, ownerID string) (*types.NetDiskEntry, error) {
	existing, err := p.store.GetNetDiskEntry(id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	dir := &types.NetDiskEntry{
		ID:        id,
		ParentID:  parentID,
		Name:      name,
		OwnerID:   ownerID,
		IsDir:     true,
		CreatedAt: p.now(),
	}
	if err := p.store.CreateNetDiskEntry(dir); err != nil {
		return nil, fmt.Errorf("failed to create net-disk dir %s: %w", id, err)
	}
	return dir, nil
}

func (p *Projector) insertFile(parentID string, req *CreateRequest) (*types.NetDiskEntry, error) {
	name := req.Name
	if _, err := p.store.FindNetDiskEntry(parentID, name, req.OwnerID); err == nil {
		name = name + "_" + millisStamp(p.now().UTC())
		logger := log.WithComponent("netdisk")
		logger.Debug().
			Str("parent", parentID).Str("name", req.Name).Str("renamed", name).
			Msg("Net-disk name collision, suffix appended")
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	entry := &types.NetDiskEntry{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		Name:      name,
		OwnerID:   req.OwnerID,
		MetaID:    req.MetaID,
		FileType:  req.FileType,
		CreatedAt: p.now(),
	}
	if err := p.store.CreateNetDiskEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to create net-disk entry %s: %w", name, err)
	}
	return entry, nil
}

func dirName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// millisStamp renders t as YYYYMMDDHHMMSSsss.
func millisStamp(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}
