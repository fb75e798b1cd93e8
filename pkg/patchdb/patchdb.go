package patchdb

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/metrics"
	"github.com/cuemby/startd/pkg/types"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRoot = []byte("patchdb")

	keyDocument = []byte("document")
	keyRevision = []byte("revision")
)

// PatchDB is the typed, JSON-pointer-addressable, transactional store used
// as the single source of truth. Reads are copy-on-write snapshots; writes
// go through Mutate, which commits atomically, persists to bbolt, and fans
// an RFC 6902 patch out to subscribers in commit order.
type PatchDB struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu       sync.RWMutex // guards head and revision; held for the whole of one Mutate
	head     *Database
	headJSON interface{} // decoded generic form of head, for diffing
	revision uint64

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Snapshot is a consistent read view. The document must not be mutated.
type Snapshot struct {
	Revision uint64
	Doc      *Database
}

// Subscription is one patch stream. Patches arrive in commit order; the
// channel is unbuffered from the committer's point of view only in the
// sense that a full buffer drops the subscriber, never a patch.
type Subscription struct {
	C      chan Patch
	scope  Pointer
	parent *PatchDB
}

// Open loads or creates the database file under dataDir.
func Open(dataDir string, init func() *Database) (*PatchDB, error) {
	path := filepath.Join(dataDir, "startd.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	p := &PatchDB{
		db:     db,
		logger: log.WithComponent("patchdb"),
		subs:   make(map[*Subscription]struct{}),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRoot)
		if err != nil {
			return err
		}
		data := b.Get(keyDocument)
		if data == nil {
			doc := init()
			encoded, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := b.Put(keyDocument, encoded); err != nil {
				return err
			}
			p.head = doc
			return nil
		}
		var doc Database
		if err := json.Unmarshal(data, &doc); err != nil {
			return errdefs.Wrap(errdefs.KindParseDbField, err)
		}
		p.head = &doc
		if rev := b.Get(keyRevision); rev != nil {
			p.revision = binary.BigEndian.Uint64(rev)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.KindDiskManagement, err)
	}

	if p.headJSON, err = toGeneric(p.head); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close stops the store. Outstanding subscriptions are closed.
func (p *PatchDB) Close() error {
	p.subsMu.Lock()
	p.closed = true
	for sub := range p.subs {
		close(sub.C)
		delete(p.subs, sub)
	}
	p.subsMu.Unlock()
	return p.db.Close()
}

// Peek returns a cheap consistent snapshot. The returned document is the
// committed head, which is never mutated in place; treat it as read-only.
func (p *PatchDB) Peek() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Revision: p.revision, Doc: p.head}
}

// Mutate runs fn against a mutable copy of the document and commits the
// result atomically: persisted to bbolt, swapped in as the new head, and
// fanned out to subscribers. If fn errors, every change is discarded.
// Mutations serialize; fn must not reenter the store.
func (p *PatchDB) Mutate(fn func(db *Database) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.head.clone()
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	if err := fn(next); err != nil {
		return err
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	nextJSON, err := toGeneric(next)
	if err != nil {
		return err
	}
	patch := diff(p.headJSON, nextJSON)
	if len(patch) == 0 {
		return nil
	}

	revision := p.revision + 1
	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoot)
		if err := b.Put(keyDocument, encoded); err != nil {
			return err
		}
		var rev [8]byte
		binary.BigEndian.PutUint64(rev[:], revision)
		return b.Put(keyRevision, rev[:])
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDiskManagement, err)
	}

	p.head = next
	p.headJSON = nextJSON
	p.revision = revision
	metrics.DbCommitsTotal.Inc()
	metrics.DbRevision.Set(float64(revision))
	p.publish(patch)
	return nil
}

// Subscribe streams patches scoped to the subtree at ptr, in commit order.
// A subscriber that stops draining is disconnected rather than allowed to
// skip a patch.
func (p *PatchDB) Subscribe(ptr string) (*Subscription, error) {
	scope, err := ParsePointer(ptr)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		C:      make(chan Patch, 64),
		scope:  scope,
		parent: p,
	}
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.closed {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "store is closed")
	}
	p.subs[sub] = struct{}{}
	return sub, nil
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	p := s.parent
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if _, ok := p.subs[s]; ok {
		delete(p.subs, s)
		close(s.C)
	}
}

func (p *PatchDB) publish(patch Patch) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for sub := range p.subs {
		scoped := patch.Scoped(sub.scope)
		if len(scoped) == 0 {
			continue
		}
		select {
		case sub.C <- scoped:
		default:
			// Disconnect rather than let the subscriber observe a gap
			p.logger.Warn().Str("scope", sub.scope.String()).Msg("Subscriber too slow, disconnecting")
			delete(p.subs, sub)
			close(sub.C)
		}
	}
}

// UpsertStore returns a package's private store subtree, inserting the
// default produced by defaultFn on first use. Must run inside Mutate.
func UpsertStore(db *Database, id types.PackageId, defaultFn func() interface{}) interface{} {
	if v, ok := db.Private.PackageStores[id]; ok && v != nil {
		return v
	}
	v := defaultFn()
	db.Private.PackageStores[id] = v
	return v
}

// Apply commits an externally supplied RFC 6902 patch, e.g. from the db.*
// RPC namespace. The patch runs against the JSON form and the result must
// still decode as a well-formed document.
func (p *PatchDB) Apply(patch []byte) error {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return p.Mutate(func(db *Database) error {
		current, err := json.Marshal(db)
		if err != nil {
			return errdefs.Wrap(errdefs.KindSerialization, err)
		}
		modified, err := decoded.Apply(current)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInvalidRequest, err)
		}
		var next Database
		if err := json.Unmarshal(modified, &next); err != nil {
			return errdefs.Wrap(errdefs.KindParseDbField, err)
		}
		*db = next
		return nil
	})
}

// toGeneric converts a typed document to its decoded-JSON form.
func toGeneric(doc *Database) (interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return out, nil
}
