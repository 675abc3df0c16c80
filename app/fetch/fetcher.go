// Package fetch turns a subscribed feed url into candidate articles using
// gofeed. Content is sanitized before it reaches the store.
package fetch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"

	"github.com/invisibleman/feedsync/app/models"
)

// Fetcher retrieves and parses feeds over http.
type Fetcher struct {
	Timeout  time.Duration
	MaxItems int // 0 means unlimited

	parser *gofeed.Parser
	policy *bluemonday.Policy
}

// NewFetcher makes a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, maxItems int) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	return &Fetcher{
		Timeout:  timeout,
		MaxItems: maxItems,
		parser:   parser,
		policy:   bluemonday.UGCPolicy(),
	}
}

// Fetch returns candidate articles for the feed, newest first as the
// source lists them. Articles are unread, unstarred and deduplicated
// downstream by GUID; failures here are recoverable.
func (f *Fetcher) Fetch(ctx context.Context, feed models.Feed) ([]models.Article, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	parsed, err := f.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "can't fetch %s", feed.URL)
	}

	items := parsed.Items
	if f.MaxItems > 0 && len(items) > f.MaxItems {
		items = items[:f.MaxItems]
	}

	res := make([]models.Article, 0, len(items))
	for _, item := range items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link // some sources omit guid, link is the next best key
		}
		if guid == "" {
			continue
		}

		published := time.Now()
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}

		res = append(res, models.Article{
			ID:        uuid.New().String(),
			FeedID:    feed.ID,
			GUID:      guid,
			Title:     strings.TrimSpace(item.Title),
			Link:      item.Link,
			Content:   f.policy.Sanitize(content),
			Published: published,
			Unread:    true,
		})
	}
	return res, nil
}
