// Package query exposes read access over the article hierarchy: one-shot
// filtered reads, continuously-updating pull streams and a few mutation
// pass-throughs, all delegating to the storage gateway.
package query

import (
	"context"

	log "github.com/go-pkgz/lgr"

	"github.com/invisibleman/feedsync/app/models"
	"github.com/invisibleman/feedsync/app/store"
)

// Storage is the slice of the gateway the facade reads from.
type Storage interface {
	ListGroups(accountID string) ([]models.Group, error)
	ListFeeds(accountID string) ([]models.Feed, error)
	ListArticles(accountID string, filter store.Filter, offset, limit int) ([]models.ArticleWithFeed, error)
	ImportantCounts(accountID string, sub store.SubFilter) ([]models.ImportantCount, error)
	GetGroup(accountID, groupID string) (models.Group, error)
	GetFeed(accountID, feedID string) (models.Feed, error)
	GetArticle(feedID, articleID string) (models.Article, error)
	FeedExistsByURL(accountID, url string) (bool, error)
	SaveGroup(group models.Group) error
	DeleteGroup(accountID, groupID string) error
	UpdateFeed(feed models.Feed) error
	DeleteFeed(accountID, feedID string) error
	Changes() (<-chan struct{}, func())
	Revision() int64
}

// Facade is the read side handed to the presentation layer.
type Facade struct {
	Store Storage
}

// ResolveFilter maps raw query params to the single filter that will run.
// Scope priority: group, then feed, then whole account. Sub-filter
// priority: starred before unread, never both.
func ResolveFilter(groupID, feedID string, isStarred, isUnread bool) store.Filter {
	filter := store.Filter{Scope: store.ScopeAccount}
	switch {
	case groupID != "":
		filter.Scope, filter.ScopeID = store.ScopeGroup, groupID
	case feedID != "":
		filter.Scope, filter.ScopeID = store.ScopeFeed, feedID
	}
	switch {
	case isStarred:
		filter.Sub = store.SubStarred
	case isUnread:
		filter.Sub = store.SubUnread
	}
	return filter
}

// Groups returns all groups of the account.
func (f *Facade) Groups(accountID string) ([]models.Group, error) {
	return f.Store.ListGroups(accountID)
}

// GroupsWithFeeds returns all groups, each annotated with member feeds.
func (f *Facade) GroupsWithFeeds(accountID string) ([]models.GroupWithFeeds, error) {
	groups, err := f.Store.ListGroups(accountID)
	if err != nil {
		return nil, err
	}
	feeds, err := f.Store.ListFeeds(accountID)
	if err != nil {
		return nil, err
	}

	byGroup := map[string][]models.Feed{}
	for _, feed := range feeds {
		byGroup[feed.GroupID] = append(byGroup[feed.GroupID], feed)
	}

	res := make([]models.GroupWithFeeds, 0, len(groups))
	for _, group := range groups {
		member := byGroup[group.ID]
		if member == nil {
			member = []models.Feed{}
		}
		res = append(res, models.GroupWithFeeds{Group: group, Feeds: member})
	}
	return res, nil
}

// Articles returns one page of article-with-feed rows for the filter.
func (f *Facade) Articles(accountID string, filter store.Filter, offset, limit int) ([]models.ArticleWithFeed, error) {
	return f.Store.ListArticles(accountID, filter, offset, limit)
}

// Important returns per-feed unread/starred totals, starred checked first.
func (f *Facade) Important(accountID string, isStarred, isUnread bool) ([]models.ImportantCount, error) {
	sub := store.SubAll
	switch {
	case isStarred:
		sub = store.SubStarred
	case isUnread:
		sub = store.SubUnread
	}
	return f.Store.ImportantCounts(accountID, sub)
}

// FindGroup is a point lookup by group id.
func (f *Facade) FindGroup(accountID, groupID string) (models.Group, error) {
	return f.Store.GetGroup(accountID, groupID)
}

// FindFeed is a point lookup by feed id.
func (f *Facade) FindFeed(accountID, feedID string) (models.Feed, error) {
	return f.Store.GetFeed(accountID, feedID)
}

// FindArticle is a point lookup by feed and article id.
func (f *Facade) FindArticle(feedID, articleID string) (models.Article, error) {
	return f.Store.GetArticle(feedID, articleID)
}

// FeedExists checks for an existing subscription with the url, used to
// guard against duplicate subscriptions.
func (f *Facade) FeedExists(accountID, url string) (bool, error) {
	return f.Store.FeedExistsByURL(accountID, url)
}

// UpdateGroup is a mutation pass-through.
func (f *Facade) UpdateGroup(group models.Group) error { return f.Store.SaveGroup(group) }

// DeleteGroup removes the group and cascades to its feeds and articles.
func (f *Facade) DeleteGroup(accountID, groupID string) error {
	return f.Store.DeleteGroup(accountID, groupID)
}

// UpdateFeed is a mutation pass-through.
func (f *Facade) UpdateFeed(feed models.Feed) error { return f.Store.UpdateFeed(feed) }

// DeleteFeed removes the feed's articles first, then the feed row, as one
// logical unit.
func (f *Facade) DeleteFeed(accountID, feedID string) error {
	return f.Store.DeleteFeed(accountID, feedID)
}

// PullGroups streams "all groups of the account", re-emitting on change.
func (f *Facade) PullGroups(ctx context.Context, accountID string) <-chan []models.Group {
	return pull(ctx, f.Store, func() ([]models.Group, error) { return f.Groups(accountID) })
}

// PullFeeds streams groups annotated with their feeds.
func (f *Facade) PullFeeds(ctx context.Context, accountID string) <-chan []models.GroupWithFeeds {
	return pull(ctx, f.Store, func() ([]models.GroupWithFeeds, error) { return f.GroupsWithFeeds(accountID) })
}

// PullArticles streams one page of filtered article-with-feed rows.
func (f *Facade) PullArticles(ctx context.Context, accountID string, filter store.Filter, offset, limit int) <-chan []models.ArticleWithFeed {
	return pull(ctx, f.Store, func() ([]models.ArticleWithFeed, error) {
		return f.Articles(accountID, filter, offset, limit)
	})
}

// PullImportant streams aggregate counts with the same sub-filter priority.
func (f *Facade) PullImportant(ctx context.Context, accountID string, isStarred, isUnread bool) <-chan []models.ImportantCount {
	return pull(ctx, f.Store, func() ([]models.ImportantCount, error) {
		return f.Important(accountID, isStarred, isUnread)
	})
}

// pull emits the current query result, then re-runs the query on every
// store change until ctx is done. Emits are conflated so a slow consumer
// only ever lags by one snapshot.
func pull[T any](ctx context.Context, st Storage, run func() ([]T, error)) <-chan []T {
	out := make(chan []T, 1)
	changes, cancel := st.Changes()

	emit := func() {
		res, err := run()
		if err != nil {
			log.Printf("[WARN] pull query failed, %v", err)
			return
		}
		select {
		case out <- res:
		default:
			select { // replace the stale snapshot
			case <-out:
			default:
			}
			out <- res
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				emit()
			}
		}
	}()
	return out
}
