// Package store implements the persistent storage gateway on top of boltdb.
// Groups, feeds and articles are kept as json values in per-account and
// per-feed buckets. Every mutation fires a change notification so pull
// streams can re-read.
package store

import (
	"encoding/json"
	"os"
	"path"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/invisibleman/feedsync/app/models"
)

// sentinel errors surfaced to callers
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateFeed = errors.New("feed with this url already exists")
)

const bucketAccounts = "accounts"

// Store is a bolt-backed storage gateway.
type Store struct {
	DB *bolt.DB

	mu   sync.Mutex
	subs map[int]chan struct{}
	seq  int
	rev  int64
}

// NewStore opens (and creates if needed) the bolt db file.
func NewStore(dbFile string) (*Store, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0o700); err != nil {
		return nil, errors.Wrapf(err, "can't make directory for %s", dbFile)
	}

	db, err := bolt.Open(dbFile, 0o600, &bolt.Options{Timeout: 1 * time.Second}) // nolint
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", dbFile)
	}

	return &Store{DB: db, subs: map[int]chan struct{}{}}, nil
}

// Close closes the underlying db.
func (s *Store) Close() error { return s.DB.Close() }

// Changes returns a signal channel bumped after every mutation, plus a
// cancel func. The channel is conflated: pending signals collapse into one.
func (s *Store) Changes() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	id := s.seq
	s.seq++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// notify bumps the revision and wakes all change subscribers, never
// blocking on a slow one.
func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Revision returns a counter increased by every mutation, usable as a
// cache-busting key component.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// EnsureAccount creates the account row if it doesn't exist yet.
func (s *Store) EnsureAccount(acc models.Account) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		bucket, e := tx.CreateBucketIfNotExists([]byte(bucketAccounts))
		if e != nil {
			return e
		}
		if bucket.Get([]byte(acc.ID)) != nil {
			return nil
		}
		data, e := json.Marshal(&acc)
		if e != nil {
			return e
		}
		log.Printf("[INFO] create account %s (%s)", acc.ID, acc.Name)
		return bucket.Put([]byte(acc.ID), data)
	})
	return errors.Wrapf(err, "can't ensure account %s", acc.ID)
}

// ListAccounts returns all known accounts.
func (s *Store) ListAccounts() ([]models.Account, error) {
	var res []models.Account
	err := s.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAccounts))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			acc := models.Account{}
			if e := json.Unmarshal(v, &acc); e != nil {
				log.Printf("[WARN] failed to unmarshal account, %v", e)
				return nil
			}
			res = append(res, acc)
			return nil
		})
	})
	return res, err
}

// bucket names, composed per account or per feed
func groupsBktName(accountID string) []byte  { return []byte("groups-" + accountID) }
func feedsBktName(accountID string) []byte   { return []byte("feeds-" + accountID) }
func articlesBktName(feedID string) []byte   { return []byte("articles-" + feedID) }
func guidsBktName(feedID string) []byte      { return []byte("guids-" + feedID) }
func articleIdxBktName(feedID string) []byte { return []byte("articleidx-" + feedID) }
