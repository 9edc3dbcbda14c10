package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketResources = []byte("resources")
	bucketPKIndex   = []byte("pk_index")
	bucketTags      = []byte("tags")
	bucketLinksOut  = []byte("links_out")
	bucketLinksIn   = []byte("links_in")
	bucketRuntime   = []byte("runtime")

	keySnapshot = []byte("snapshot")
)

const sep = "\x00"

// envelope is the stored form of a resource
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db  *bolt.DB
	reg *types.Registry
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, reg *types.Registry) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "converge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketResources,
			bucketPKIndex,
			bucketTags,
			bucketLinksOut,
			bucketLinksIn,
			bucketRuntime,
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

	return &BoltStore{db: db, reg: reg}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) decode(data []byte) (types.Resource, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return s.reg.Decode(env.Type, env.Data)
}

// Resource operations
func (s *BoltStore) Get(id string) (types.Resource, error) {
	var res types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(id))
		if data == nil {
			return types.NewResourceError(types.ErrNotFound, "", id, "")
		}
		var err error
		res, err = s.decode(data)
		return err
	})
	return res, err
}

func (s *BoltStore) GetByPrimaryKey(resourceType, pk string) (types.Resource, error) {
	var res types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPKIndex).Get([]byte(pkIndexKey(resourceType, pk)))
		if id == nil {
			return types.NewResourceError(types.ErrNotFound, resourceType, pk, "")
		}
		data := tx.Bucket(bucketResources).Get(id)
		if data == nil {
			return fmt.Errorf("primary key index points to missing resource %s", id)
		}
		var err error
		res, err = s.decode(data)
		return err
	})
	return res, err
}

func (s *BoltStore) Find(q *query.Query) ([]types.Resource, error) {
	var result []types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		t := &boltTxn{reg: s.reg, tx: tx}
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if !q.MatchesType(env.Type) {
				return nil
			}
			res, err := s.reg.Decode(env.Type, env.Data)
			if err != nil {
				return err
			}
			tags, err := t.tags(string(k))
			if err != nil {
				return err
			}
			if q.Matches(s.reg, res, tags) {
				result = append(result, res)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortResources(s.reg, result)
	return result, nil
}

func (s *BoltStore) List(resourceType string) ([]types.Resource, error) {
	var result []types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Type != resourceType {
				return nil
			}
			res, err := s.reg.Decode(env.Type, env.Data)
			if err != nil {
				return err
			}
			result = append(result, res)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortResources(s.reg, result)
	return result, nil
}

// Link and tag operations
func (s *BoltStore) Links(from, linkType, to string) ([]types.Link, error) {
	var links []types.Link
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		links, err = (&boltTxn{reg: s.reg, tx: tx}).links(from, linkType, to)
		return err
	})
	return links, err
}

func (s *BoltStore) Tags(id string) ([]string, error) {
	var tags []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tags, err = (&boltTxn{reg: s.reg, tx: tx}).tags(id)
		return err
	})
	return tags, err
}

// Apply commits the batch in a single read-write transaction. Returning an
// error from the transaction function rolls everything back.
func (s *BoltStore) Apply(b *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyBatch(s.reg, &boltTxn{reg: s.reg, tx: tx}, b)
	})
}

// Runtime snapshot operations
func (s *BoltStore) LoadSnapshot() (*types.RuntimeSnapshot, error) {
	snap := types.NewRuntimeSnapshot()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuntime).Get(keySnapshot)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime snapshot: %w", err)
	}
	snap.Normalize()
	return snap, nil
}

func (s *BoltStore) SaveSnapshot(snap *types.RuntimeSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuntime).Put(keySnapshot, data)
	})
}

// boltTxn adapts a bolt transaction to txn
type boltTxn struct {
	reg *types.Registry
	tx  *bolt.Tx
}

func (t *boltTxn) get(id string) (types.Resource, bool, error) {
	data := t.tx.Bucket(bucketResources).Get([]byte(id))
	if data == nil {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, err
	}
	res, err := t.reg.Decode(env.Type, env.Data)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (t *boltTxn) lookupPK(resourceType, pk string) (string, bool, error) {
	id := t.tx.Bucket(bucketPKIndex).Get([]byte(pkIndexKey(resourceType, pk)))
	if id == nil {
		return "", false, nil
	}
	return string(id), true, nil
}

func (t *boltTxn) put(id string, r types.Resource, pk, previousPK string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Type: r.ResourceType(), Data: data})
	if err != nil {
		return err
	}

	idx := t.tx.Bucket(bucketPKIndex)
	if previousPK != "" && previousPK != pk {
		if err := idx.Delete([]byte(pkIndexKey(r.ResourceType(), previousPK))); err != nil {
			return err
		}
	}
	if err := idx.Put([]byte(pkIndexKey(r.ResourceType(), pk)), []byte(id)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketResources).Put([]byte(id), env)
}

func (t *boltTxn) remove(id, resourceType, pk string) error {
	if err := t.tx.Bucket(bucketPKIndex).Delete([]byte(pkIndexKey(resourceType, pk))); err != nil {
		return err
	}
	return t.tx.Bucket(bucketResources).Delete([]byte(id))
}

// scan returns the keys of bucket starting with prefix
func scan(b *bolt.Bucket, prefix []byte) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}

func (t *boltTxn) links(from, linkType, to string) ([]types.Link, error) {
	var (
		bucket  *bolt.Bucket
		prefix  string
		reverse bool
	)
	switch {
	case from != "":
		bucket, prefix = t.tx.Bucket(bucketLinksOut), from+sep
	case to != "":
		bucket, prefix, reverse = t.tx.Bucket(bucketLinksIn), to+sep, true
	default:
		bucket = t.tx.Bucket(bucketLinksOut)
	}
	if linkType != "" && prefix != "" {
		prefix += linkType + sep
	}

	var result []types.Link
	for _, k := range scan(bucket, []byte(prefix)) {
		parts := strings.SplitN(string(k), sep, 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed link key %q", k)
		}
		l := types.Link{From: parts[0], Type: parts[1], To: parts[2]}
		if reverse {
			l.From, l.To = parts[2], parts[0]
		}
		if (from != "" && l.From != from) || (linkType != "" && l.Type != linkType) || (to != "" && l.To != to) {
			continue
		}
		result = append(result, l)
	}
	sortLinks(result)
	return result, nil
}

func (t *boltTxn) putLink(l types.Link) error {
	if err := t.tx.Bucket(bucketLinksOut).Put([]byte(l.From+sep+l.Type+sep+l.To), []byte{}); err != nil {
		return err
	}
	return t.tx.Bucket(bucketLinksIn).Put([]byte(l.To+sep+l.Type+sep+l.From), []byte{})
}

func (t *boltTxn) removeLink(l types.Link) error {
	if err := t.tx.Bucket(bucketLinksOut).Delete([]byte(l.From + sep + l.Type + sep + l.To)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketLinksIn).Delete([]byte(l.To + sep + l.Type + sep + l.From))
}

func (t *boltTxn) tags(id string) ([]string, error) {
	prefix := id + sep
	var result []string
	for _, k := range scan(t.tx.Bucket(bucketTags), []byte(prefix)) {
		result = append(result, strings.TrimPrefix(string(k), prefix))
	}
	return result, nil
}

func (t *boltTxn) putTag(tag types.Tag) error {
	return t.tx.Bucket(bucketTags).Put([]byte(tag.ResourceID+sep+tag.Name), []byte{})
}

func (t *boltTxn) removeTag(tag types.Tag) error {
	return t.tx.Bucket(bucketTags).Delete([]byte(tag.ResourceID + sep + tag.Name))
}
