// Package models contains DAO objects shared by store, sync and api layers.
package models

import "time"

// Account identifies a data partition. Every group, feed and article
// belongs to exactly one account.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is a named collection of feeds within an account.
type Group struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// Feed is a subscribed source. URL is unique within the account.
type Feed struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	GroupID     string    `json:"group_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Icon        string    `json:"icon,omitempty"`
	LastFetched time.Time `json:"last_fetched,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Article is a single fetched item, deduplicated by GUID within its feed.
type Article struct {
	ID        string    `json:"id"`
	FeedID    string    `json:"feed_id"`
	GUID      string    `json:"guid"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Content   string    `json:"content"`
	Published time.Time `json:"published"`
	Unread    bool      `json:"unread"`
	Starred   bool      `json:"starred"`
}

// ArticleWithFeed is a read-only join projection for presentation,
// never persisted on its own.
type ArticleWithFeed struct {
	Article
	FeedTitle string `json:"feed_title"`
	FeedIcon  string `json:"feed_icon,omitempty"`
}

// GroupWithFeeds annotates a group with its member feeds.
type GroupWithFeeds struct {
	Group
	Feeds []Feed `json:"feeds"`
}

// ImportantCount is a derived unread/starred total for one group or feed.
type ImportantCount struct {
	GroupID string `json:"group_id"`
	FeedID  string `json:"feed_id"`
	Count   int    `json:"count"`
}

// SyncState describes an in-progress sync pass. The zero value is the
// terminal "not syncing" state.
type SyncState struct {
	FeedCount       int    `json:"feed_count"`
	SyncedCount     int    `json:"synced_count"`
	CurrentFeedName string `json:"current_feed_name"`
}

// IsSyncing reports whether a pass is in progress, i.e. any field is set.
func (s SyncState) IsSyncing() bool {
	return s.FeedCount != 0 || s.SyncedCount != 0 || s.CurrentFeedName != ""
}
