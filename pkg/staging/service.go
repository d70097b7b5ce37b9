package staging

import (
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/cache"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/netdisk"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

const (
	// casRetries bounds the multipart shard-removal loop
	casRetries = 5
	casBackoff = 200 * time.Millisecond

	// lockRetries bounds optimistic-lock rewrites of node file refs
	lockRetries = 5
	lockBackoff = time.Second
)

// Service is the file staging pipeline: multipart sessions, move
// registrations with flash upload, and snapshots. Sessions and registrations
// live in the lease store and vanish on expiry; bytes live in the local blob
// cache; file metas, snapshots and net-disk entries are durable entities.
type Service struct {
	entities  storage.Store
	leases    lease.Store
	blobs     *cache.Store
	broker    *bus.Broker
	projector *netdisk.Projector

	now func() time.Time
}

// NewService wires the pipeline over its stores.
func NewService(entities storage.Store, leases lease.Store, blobs *cache.Store,
	broker *bus.Broker, projector *netdisk.Projector) *Service {
	return &Service{
		entities:  entities,
		leases:    leases,
		blobs:     blobs,
		broker:    broker,
		projector: projector,
		now:       time.Now,
	}
}

// HashBytes hashes data under the named algorithm and returns the lowercase
// hex digest.
func HashBytes(alg types.HashAlgorithm, data []byte) (string, error) {
	switch alg {
	case types.HashAlgorithmBlake3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}
