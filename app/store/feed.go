package store

import (
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/invisibleman/feedsync/app/models"
)

// SubscribeFeed writes the feed row plus its initial article batch in one
// transaction. Rejected with ErrDuplicateFeed when the account already has
// a feed with the same source url, leaving nothing persisted.
func (s *Store) SubscribeFeed(feed models.Feed, articles []models.Article) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		feeds, e := tx.CreateBucketIfNotExists(feedsBktName(feed.AccountID))
		if e != nil {
			return e
		}

		dup := false
		if e = feeds.ForEach(func(k, v []byte) error {
			existing := models.Feed{}
			if e := json.Unmarshal(v, &existing); e != nil {
				return nil // nolint
			}
			if existing.URL == feed.URL {
				dup = true
			}
			return nil
		}); e != nil {
			return e
		}
		if dup {
			return ErrDuplicateFeed
		}

		data, e := json.Marshal(&feed)
		if e != nil {
			return e
		}
		if e = feeds.Put([]byte(feed.ID), data); e != nil {
			return e
		}

		for _, article := range articles {
			article.FeedID = feed.ID
			if _, e = saveArticleTx(tx, article); e != nil {
				return e
			}
		}

		log.Printf("[INFO] subscribe feed '%s' (%s) with %d articles", feed.Title, feed.URL, len(articles))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateFeed) {
			return ErrDuplicateFeed
		}
		return errors.Wrapf(err, "can't subscribe feed %s", feed.URL)
	}
	s.notify()
	return nil
}

// UpdateFeed replaces an existing feed row, ErrNotFound if it is gone.
// Moving the feed to a url another feed in the account already uses is
// rejected with ErrDuplicateFeed, same as on subscribe.
func (s *Store) UpdateFeed(feed models.Feed) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBktName(feed.AccountID))
		if feeds == nil || feeds.Get([]byte(feed.ID)) == nil {
			return ErrNotFound
		}

		dup := false
		if e := feeds.ForEach(func(k, v []byte) error {
			other := models.Feed{}
			if e := json.Unmarshal(v, &other); e != nil {
				return nil // nolint
			}
			if other.ID != feed.ID && other.URL == feed.URL {
				dup = true
			}
			return nil
		}); e != nil {
			return e
		}
		if dup {
			return ErrDuplicateFeed
		}

		data, e := json.Marshal(&feed)
		if e != nil {
			return e
		}
		return feeds.Put([]byte(feed.ID), data)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateFeed) {
			return err
		}
		return errors.Wrapf(err, "can't update feed %s", feed.ID)
	}
	s.notify()
	return nil
}

// GetFeed returns a single feed by id.
func (s *Store) GetFeed(accountID, feedID string) (models.Feed, error) {
	feed := models.Feed{}
	err := s.DB.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBktName(accountID))
		if feeds == nil {
			return ErrNotFound
		}
		v := feeds.Get([]byte(feedID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &feed)
	})
	return feed, err
}

// FeedExistsByURL reports whether the account already subscribes the url.
func (s *Store) FeedExistsByURL(accountID, url string) (bool, error) {
	found := false
	err := s.DB.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBktName(accountID))
		if feeds == nil {
			return nil
		}
		return feeds.ForEach(func(k, v []byte) error {
			feed := models.Feed{}
			if e := json.Unmarshal(v, &feed); e != nil {
				return nil // nolint
			}
			if feed.URL == url {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// ListFeeds returns all feeds of the account, in key order.
func (s *Store) ListFeeds(accountID string) ([]models.Feed, error) {
	res := []models.Feed{}
	err := s.DB.View(func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBktName(accountID))
		if feeds == nil {
			return nil
		}
		return feeds.ForEach(func(k, v []byte) error {
			feed := models.Feed{}
			if e := json.Unmarshal(v, &feed); e != nil {
				log.Printf("[WARN] failed to unmarshal feed, %v", e)
				return nil
			}
			res = append(res, feed)
			return nil
		})
	})
	return res, err
}

// DeleteFeed removes the feed's articles first, then the feed row, as one
// transaction. No orphaned articles can survive the feed.
func (s *Store) DeleteFeed(accountID, feedID string) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBktName(accountID))
		if feeds == nil || feeds.Get([]byte(feedID)) == nil {
			return ErrNotFound
		}
		return deleteFeedTx(tx, accountID, feedID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "can't delete feed %s", feedID)
	}
	s.notify()
	return nil
}

// deleteFeedTx drops article buckets before the feed row itself.
func deleteFeedTx(tx *bolt.Tx, accountID, feedID string) error {
	for _, name := range [][]byte{articlesBktName(feedID), guidsBktName(feedID), articleIdxBktName(feedID)} {
		if tx.Bucket(name) != nil {
			if e := tx.DeleteBucket(name); e != nil {
				return e
			}
		}
	}
	feeds := tx.Bucket(feedsBktName(accountID))
	if feeds == nil {
		return ErrNotFound
	}
	log.Printf("[INFO] delete feed %s in account %s", feedID, accountID)
	return feeds.Delete([]byte(feedID))
}
