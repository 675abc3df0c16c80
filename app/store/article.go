package store

import (
	"encoding/json"
	"sort"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/invisibleman/feedsync/app/models"
)

// ScopeKind selects the hierarchy level an article query is restricted to.
type ScopeKind int

// scope kinds, widest first
const (
	ScopeAccount ScopeKind = iota
	ScopeGroup
	ScopeFeed
)

// SubFilter selects the starred/unread/all dimension within a scope.
// Exactly one is active per query.
type SubFilter int

// sub-filters
const (
	SubAll SubFilter = iota
	SubStarred
	SubUnread
)

func (f SubFilter) match(article models.Article) bool {
	switch f {
	case SubStarred:
		return article.Starred
	case SubUnread:
		return article.Unread
	default:
		return true
	}
}

// Filter is a fully resolved article query: one scope, one sub-filter.
type Filter struct {
	Scope   ScopeKind
	ScopeID string // group or feed id, empty for account scope
	Sub     SubFilter
}

// articles are keyed by fixed-width publish time plus id, so cursor order
// is publish order and ties are stable
func articleKey(article models.Article) []byte {
	return []byte(article.Published.UTC().Format(time.RFC3339) + "!" + article.ID)
}

// SaveArticle stores an article unless its guid is already known for the
// feed. Returns true if a new row was created.
func (s *Store) SaveArticle(article models.Article) (bool, error) {
	created := false
	err := s.DB.Update(func(tx *bolt.Tx) (e error) {
		created, e = saveArticleTx(tx, article)
		return e
	})
	if err != nil {
		return false, errors.Wrapf(err, "can't save article %s", article.GUID)
	}
	if created {
		s.notify()
	}
	return created, nil
}

func saveArticleTx(tx *bolt.Tx, article models.Article) (bool, error) {
	guids, err := tx.CreateBucketIfNotExists(guidsBktName(article.FeedID))
	if err != nil {
		return false, err
	}
	if guids.Get([]byte(article.GUID)) != nil {
		return false, nil // already known for this feed
	}

	articles, err := tx.CreateBucketIfNotExists(articlesBktName(article.FeedID))
	if err != nil {
		return false, err
	}
	idx, err := tx.CreateBucketIfNotExists(articleIdxBktName(article.FeedID))
	if err != nil {
		return false, err
	}

	key := articleKey(article)
	data, err := json.Marshal(&article)
	if err != nil {
		return false, err
	}
	if err = articles.Put(key, data); err != nil {
		return false, err
	}
	if err = guids.Put([]byte(article.GUID), key); err != nil {
		return false, err
	}
	if err = idx.Put([]byte(article.ID), key); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateArticle rewrites an existing article row in place (read/star
// toggles and the like). GUID and Published stay as stored, they anchor
// the dedup index and the time-ordered key. ErrNotFound when the row is
// gone.
func (s *Store) UpdateArticle(article models.Article) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(articleIdxBktName(article.FeedID))
		if idx == nil {
			return ErrNotFound
		}
		key := idx.Get([]byte(article.ID))
		if key == nil {
			return ErrNotFound
		}

		articles := tx.Bucket(articlesBktName(article.FeedID))
		existing := models.Article{}
		if e := json.Unmarshal(articles.Get(key), &existing); e != nil {
			return e
		}
		article.GUID = existing.GUID
		article.Published = existing.Published

		data, e := json.Marshal(&article)
		if e != nil {
			return e
		}
		return articles.Put(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "can't update article %s", article.ID)
	}
	s.notify()
	return nil
}

// GetArticle returns a single article by feed and id.
func (s *Store) GetArticle(feedID, articleID string) (models.Article, error) {
	article := models.Article{}
	err := s.DB.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(articleIdxBktName(feedID))
		if idx == nil {
			return ErrNotFound
		}
		key := idx.Get([]byte(articleID))
		if key == nil {
			return ErrNotFound
		}
		return json.Unmarshal(tx.Bucket(articlesBktName(feedID)).Get(key), &article)
	})
	return article, err
}

// ListArticles returns article-with-feed rows for the filter, newest
// published first, paginated by offset/limit. limit <= 0 means no limit.
func (s *Store) ListArticles(accountID string, filter Filter, offset, limit int) ([]models.ArticleWithFeed, error) {
	feeds, err := s.scopedFeeds(accountID, filter)
	if err != nil {
		return nil, err
	}

	type row struct {
		key string
		awf models.ArticleWithFeed
	}
	var rows []row

	err = s.DB.View(func(tx *bolt.Tx) error {
		for _, feed := range feeds {
			articles := tx.Bucket(articlesBktName(feed.ID))
			if articles == nil {
				continue
			}
			c := articles.Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				article := models.Article{}
				if e := json.Unmarshal(v, &article); e != nil {
					log.Printf("[WARN] failed to unmarshal article, %v", e)
					continue
				}
				if !filter.Sub.match(article) {
					continue
				}
				rows = append(rows, row{key: string(k), awf: models.ArticleWithFeed{
					Article:   article,
					FeedTitle: feed.Title,
					FeedIcon:  feed.Icon,
				}})
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't list articles")
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].key > rows[j].key })

	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []models.ArticleWithFeed{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	res := make([]models.ArticleWithFeed, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.awf)
	}
	return res, nil
}

// ImportantCounts returns per-feed totals for the sub-filter, each row
// carrying the owning group id so callers can aggregate per group.
func (s *Store) ImportantCounts(accountID string, sub SubFilter) ([]models.ImportantCount, error) {
	feeds, err := s.ListFeeds(accountID)
	if err != nil {
		return nil, err
	}

	res := []models.ImportantCount{}
	err = s.DB.View(func(tx *bolt.Tx) error {
		for _, feed := range feeds {
			count := 0
			articles := tx.Bucket(articlesBktName(feed.ID))
			if articles != nil {
				if e := articles.ForEach(func(k, v []byte) error {
					article := models.Article{}
					if e := json.Unmarshal(v, &article); e != nil {
						return nil // nolint
					}
					if sub.match(article) {
						count++
					}
					return nil
				}); e != nil {
					return e
				}
			}
			res = append(res, models.ImportantCount{GroupID: feed.GroupID, FeedID: feed.ID, Count: count})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't count articles")
	}
	return res, nil
}

// scopedFeeds resolves the filter scope to the concrete feed set.
func (s *Store) scopedFeeds(accountID string, filter Filter) ([]models.Feed, error) {
	switch filter.Scope {
	case ScopeFeed:
		feed, err := s.GetFeed(accountID, filter.ScopeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []models.Feed{feed}, nil
	case ScopeGroup:
		all, err := s.ListFeeds(accountID)
		if err != nil {
			return nil, err
		}
		res := []models.Feed{}
		for _, feed := range all {
			if feed.GroupID == filter.ScopeID {
				res = append(res, feed)
			}
		}
		return res, nil
	default:
		return s.ListFeeds(accountID)
	}
}
