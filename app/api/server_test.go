package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisibleman/feedsync/app/models"
	"github.com/invisibleman/feedsync/app/proc"
	"github.com/invisibleman/feedsync/app/query"
	"github.com/invisibleman/feedsync/app/store"
)

type stubFetcher struct{}

func (f *stubFetcher) Fetch(_ context.Context, _ models.Feed) ([]models.Article, error) {
	return nil, nil
}

func startTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	db, err := store.NewStore(filepath.Join(t.TempDir(), "test.bdb"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	scheduler := proc.NewScheduler()
	t.Cleanup(scheduler.Stop)

	processor := &proc.Processor{Store: db, Fetcher: &stubFetcher{}, Bus: proc.NewSyncBus()}
	srv := Server{
		Version:   "test",
		Facade:    &query.Facade{Store: db},
		Processor: processor,
		Bus:       processor.Bus,
		Scheduler: scheduler,
	}
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return ts, db
}

func get(t *testing.T, url string, out interface{}) *http.Response {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_GroupsRoundTrip(t *testing.T) {
	ts, _ := startTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/groups?account=acc1&name=tech", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created["id"])

	var groups []models.Group
	r := get(t, ts.URL+"/api/v1/groups?account=acc1", &groups)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	require.Len(t, groups, 1)
	assert.Equal(t, "tech", groups[0].Name)
}

func TestServer_AddGroupRequiresName(t *testing.T) {
	ts, _ := startTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/groups?account=acc1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SubscribeAndConflict(t *testing.T) {
	ts, db := startTestServer(t)

	body, err := json.Marshal(subscribeRequest{
		Feed: models.Feed{AccountID: "acc1", GroupID: "g1", Title: "blog", URL: "http://example.com/rss"},
		Articles: []models.Article{
			{GUID: "g1", Title: "one", Published: time.Now(), Unread: true},
			{GUID: "g2", Title: "two", Published: time.Now(), Unread: true},
			{GUID: "g3", Title: "three", Published: time.Now(), Unread: true},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/subscribe", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	feeds, err := db.ListFeeds("acc1")
	require.NoError(t, err)
	require.Len(t, feeds, 1)

	var articles []models.ArticleWithFeed
	get(t, ts.URL+"/api/v1/articles?account=acc1&feed="+feeds[0].ID, &articles)
	assert.Len(t, articles, 3, "initial batch visible")

	// same url again must conflict and not create a second row
	resp, err = http.Post(ts.URL+"/api/v1/subscribe", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	feeds, err = db.ListFeeds("acc1")
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
}

func TestServer_ArticlesFilters(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", GroupID: "g1", URL: "http://one"}, []models.Article{
		{ID: "a1", GUID: "1", Published: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), Unread: true},
		{ID: "a2", GUID: "2", Published: time.Date(2021, 5, 2, 0, 0, 0, 0, time.UTC), Starred: true},
	}))

	var articles []models.ArticleWithFeed
	get(t, ts.URL+"/api/v1/articles?account=acc1&starred=true&unread=true", &articles)
	require.Len(t, articles, 1, "starred wins when both flags set")
	assert.Equal(t, "a2", articles[0].ID)

	get(t, ts.URL+"/api/v1/articles?account=acc1&unread=true", &articles)
	require.Len(t, articles, 1)
	assert.Equal(t, "a1", articles[0].ID)

	get(t, ts.URL+"/api/v1/articles?account=acc1&limit=1&offset=1", &articles)
	require.Len(t, articles, 1)
	assert.Equal(t, "a1", articles[0].ID, "second page, newest first")
}

func TestServer_ArticleUpdateAndLookup(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", URL: "http://one"},
		[]models.Article{{ID: "a1", GUID: "1", Published: time.Now(), Unread: true}}))

	article, err := db.GetArticle("f1", "a1")
	require.NoError(t, err)
	article.Unread = false
	body, err := json.Marshal(article)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/articles", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.Article
	get(t, ts.URL+"/api/v1/articles/f1/a1", &got)
	assert.False(t, got.Unread)

	r := get(t, ts.URL+"/api/v1/articles/f1/nope", nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestServer_Important(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", GroupID: "g1", URL: "http://one"}, []models.Article{
		{ID: "a1", GUID: "1", Published: time.Now(), Unread: true},
		{ID: "a2", GUID: "2", Published: time.Now(), Unread: true},
	}))

	var counts []models.ImportantCount
	get(t, ts.URL+"/api/v1/important?account=acc1&unread=true", &counts)
	require.Len(t, counts, 1)
	assert.Equal(t, 2, counts[0].Count)
	assert.Equal(t, "f1", counts[0].FeedID)
}

func TestServer_ImportantReflectsMutations(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", GroupID: "g1", URL: "http://one"},
		[]models.Article{{ID: "a1", GUID: "1", Published: time.Now(), Unread: true}}))

	var counts []models.ImportantCount
	get(t, ts.URL+"/api/v1/important?account=acc1&unread=true", &counts)
	require.Len(t, counts, 1)
	require.Equal(t, 1, counts[0].Count)

	// toggle the only unread article to read through the api
	article, err := db.GetArticle("f1", "a1")
	require.NoError(t, err)
	article.Unread = false
	body, err := json.Marshal(article)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/articles", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get(t, ts.URL+"/api/v1/important?account=acc1&unread=true", &counts)
	require.Len(t, counts, 1)
	assert.Equal(t, 0, counts[0].Count, "cached counts must not outlive the mutation")
}

func TestServer_DeleteFeedCascades(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", URL: "http://one"},
		[]models.Article{{ID: "a1", GUID: "1", Published: time.Now()}}))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/feeds/f1?account=acc1", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var articles []models.ArticleWithFeed
	get(t, ts.URL+"/api/v1/articles?account=acc1", &articles)
	assert.Empty(t, articles)

	r := get(t, ts.URL+"/api/v1/feeds/f1?account=acc1", nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestServer_SyncStateAndTrigger(t *testing.T) {
	ts, _ := startTestServer(t)

	state := map[string]interface{}{}
	get(t, ts.URL+"/api/v1/sync/state", &state)
	assert.Equal(t, false, state["is_syncing"])

	resp, err := http.Post(ts.URL+"/api/v1/sync?account=acc1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	pending := map[string]int{}
	get(t, ts.URL+"/api/v1/sync/pending", &pending)
	assert.Equal(t, 0, pending["pending"], "no periodic schedule registered in this setup")
}

func TestServer_FeedExists(t *testing.T) {
	ts, db := startTestServer(t)
	require.NoError(t, db.SubscribeFeed(models.Feed{ID: "f1", AccountID: "acc1", URL: "http://one"}, nil))

	res := map[string]bool{}
	get(t, ts.URL+"/api/v1/feeds/exists?account=acc1&url=http://one", &res)
	assert.True(t, res["exists"])

	get(t, ts.URL+"/api/v1/feeds/exists?account=acc1&url=http://other", &res)
	assert.False(t, res["exists"])
}
