package store

import (
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/invisibleman/feedsync/app/models"
)

// SaveGroup creates or updates a group row. Duplicate names are allowed,
// rows are keyed by id only.
func (s *Store) SaveGroup(group models.Group) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		bucket, e := tx.CreateBucketIfNotExists(groupsBktName(group.AccountID))
		if e != nil {
			return e
		}
		data, e := json.Marshal(&group)
		if e != nil {
			return e
		}
		return bucket.Put([]byte(group.ID), data)
	})
	if err != nil {
		return errors.Wrapf(err, "can't save group %s", group.ID)
	}
	s.notify()
	return nil
}

// GetGroup returns a single group by id.
func (s *Store) GetGroup(accountID, groupID string) (models.Group, error) {
	group := models.Group{}
	err := s.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupsBktName(accountID))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(groupID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &group)
	})
	return group, err
}

// ListGroups returns all groups of the account, in key order.
func (s *Store) ListGroups(accountID string) ([]models.Group, error) {
	res := []models.Group{}
	err := s.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupsBktName(accountID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			group := models.Group{}
			if e := json.Unmarshal(v, &group); e != nil {
				log.Printf("[WARN] failed to unmarshal group, %v", e)
				return nil
			}
			res = append(res, group)
			return nil
		})
	})
	return res, err
}

// DeleteGroup removes the group row and cascades to its feeds and their
// articles, all in a single transaction.
func (s *Store) DeleteGroup(accountID, groupID string) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(groupsBktName(accountID))
		if groups == nil || groups.Get([]byte(groupID)) == nil {
			return ErrNotFound
		}

		feeds := tx.Bucket(feedsBktName(accountID))
		if feeds != nil {
			var victims []models.Feed
			if e := feeds.ForEach(func(k, v []byte) error {
				feed := models.Feed{}
				if e := json.Unmarshal(v, &feed); e != nil {
					return nil // nolint
				}
				if feed.GroupID == groupID {
					victims = append(victims, feed)
				}
				return nil
			}); e != nil {
				return e
			}
			for _, feed := range victims {
				if e := deleteFeedTx(tx, accountID, feed.ID); e != nil {
					return e
				}
			}
		}

		log.Printf("[INFO] delete group %s in account %s", groupID, accountID)
		return groups.Delete([]byte(groupID))
	})
	if err != nil {
		return errors.Wrapf(err, "can't delete group %s", groupID)
	}
	s.notify()
	return nil
}
