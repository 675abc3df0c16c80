// Package proc owns the synchronization side of the system: the sync
// coordinator running full passes over an account's feeds, the shared
// sync-state bus and the periodic scheduler driving it all.
package proc

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/invisibleman/feedsync/app/models"
	"github.com/invisibleman/feedsync/app/store"
)

// FeedsStore is the slice of the storage gateway the coordinator writes to.
type FeedsStore interface {
	ListFeeds(accountID string) ([]models.Feed, error)
	SaveArticle(article models.Article) (bool, error)
	UpdateFeed(feed models.Feed) error
	UpdateArticle(article models.Article) error
	SubscribeFeed(feed models.Feed, articles []models.Article) error
	SaveGroup(group models.Group) error
}

// FetchGateway turns feed metadata into candidate articles.
type FetchGateway interface {
	Fetch(ctx context.Context, feed models.Feed) ([]models.Article, error)
}

// Notifier is the interface to announce newly discovered articles.
type Notifier interface {
	Send(channelID string, feed models.Feed, article models.Article) error
}

// Processor coordinates sync passes: it enumerates the account's feeds,
// fetches each with bounded concurrency, persists genuinely-new articles
// and publishes progress on the bus.
type Processor struct {
	Store         FeedsStore
	Fetcher       FetchGateway
	Bus           *SyncBus
	Notifier      Notifier // optional
	NotifyChannel string
	Concurrent    int

	mu       sync.Mutex
	inFlight map[string]bool
}

// Sync runs one full pass over the account's feeds. A second call for the
// same account while a pass is active is coalesced into a no-op. The bus
// is reset to the zero state on every exit path.
func (p *Processor) Sync(ctx context.Context, accountID string) {
	p.mu.Lock()
	if p.inFlight == nil {
		p.inFlight = map[string]bool{}
	}
	if p.inFlight[accountID] {
		p.mu.Unlock()
		log.Printf("[DEBUG] sync already in progress for account %s, skipped", accountID)
		return
	}
	p.inFlight[accountID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, accountID)
		idle := len(p.inFlight) == 0
		p.mu.Unlock()
		// passes for other accounts may still be running on the shared
		// bus, only the last one out resets the state
		if idle {
			p.Bus.Reset()
		}
	}()

	feeds, err := p.Store.ListFeeds(accountID)
	if err != nil {
		log.Printf("[WARN] can't list feeds for account %s, %v", accountID, err)
		return
	}

	log.Printf("[INFO] sync pass started, account %s, %d feeds", accountID, len(feeds))
	p.Bus.Update(func(s models.SyncState) models.SyncState {
		s.FeedCount += len(feeds)
		return s
	})

	concurrent := p.Concurrent
	if concurrent == 0 {
		concurrent = 8
	}

	swg := syncs.NewSizedGroup(concurrent, syncs.Context(ctx), syncs.Preemptive)
	for _, f := range feeds {
		f := f
		swg.Go(func(gctx context.Context) {
			p.syncFeed(gctx, f)
			p.Bus.Update(func(s models.SyncState) models.SyncState {
				s.SyncedCount++
				return s
			})
		})
	}
	swg.Wait()
	log.Printf("[INFO] sync pass completed, account %s", accountID)
}

// syncFeed fetches one feed and saves what wasn't seen before. A fetch
// failure is recorded on the feed row and skipped, never aborting the pass.
func (p *Processor) syncFeed(ctx context.Context, feed models.Feed) {
	p.Bus.Update(func(s models.SyncState) models.SyncState {
		s.CurrentFeedName = feed.Title
		return s
	})

	log.Printf("[INFO] fetch feed '%s' (%s)", feed.Title, feed.URL)
	articles, err := p.Fetcher.Fetch(ctx, feed)
	feed.LastFetched = time.Now()
	if err != nil {
		log.Printf("[WARN] failed to fetch %s, %v", feed.URL, err)
		feed.LastError = err.Error()
		if e := p.Store.UpdateFeed(feed); e != nil {
			log.Printf("[WARN] failed to record fetch error for %s, %v", feed.ID, e)
		}
		return
	}
	feed.LastError = ""

	created := 0
	for _, article := range articles {
		ok, e := p.Store.SaveArticle(article)
		if e != nil {
			log.Printf("[WARN] failed to save %s (%s) to %s, %v", article.GUID, article.Published, feed.Title, e)
			continue
		}
		if !ok {
			continue
		}
		created++
		if p.Notifier != nil {
			if e := p.Notifier.Send(p.NotifyChannel, feed, article); e != nil {
				log.Printf("[WARN] failed to notify about %s, %v", article.Link, e)
			}
		}
	}

	if e := p.Store.UpdateFeed(feed); e != nil {
		log.Printf("[WARN] failed to update feed %s, %v", feed.ID, e)
	}
	if created > 0 {
		log.Printf("[DEBUG] %d new articles for '%s'", created, feed.Title)
	}
}

// Subscribe adds a new feed with its initial article batch, atomically.
// Duplicate source url within the account is rejected with
// store.ErrDuplicateFeed before anything is written.
func (p *Processor) Subscribe(feed models.Feed, articles []models.Article) error {
	if feed.ID == "" {
		feed.ID = uuid.New().String()
	}
	for i := range articles {
		if articles[i].ID == "" {
			articles[i].ID = uuid.New().String()
		}
		articles[i].FeedID = feed.ID
	}
	return p.Store.SubscribeFeed(feed, articles)
}

// AddGroup creates a group and returns its generated id. Name uniqueness
// is not enforced.
func (p *Processor) AddGroup(accountID, name string) (string, error) {
	group := models.Group{ID: uuid.New().String(), AccountID: accountID, Name: name}
	if err := p.Store.SaveGroup(group); err != nil {
		return "", errors.Wrapf(err, "can't add group %q", name)
	}
	return group.ID, nil
}

// UpdateArticleInfo persists mutated article fields (read/star toggles).
// A missing row is not an error, callers observe it via a later read.
func (p *Processor) UpdateArticleInfo(article models.Article) error {
	err := p.Store.UpdateArticle(article)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[DEBUG] article %s is gone, update dropped", article.ID)
		return nil
	}
	return err
}
