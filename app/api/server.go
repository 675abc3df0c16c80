// Package api exposes the sync and query surface over REST.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-pkgz/lcw"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/invisibleman/feedsync/app/models"
	"github.com/invisibleman/feedsync/app/proc"
	"github.com/invisibleman/feedsync/app/query"
	"github.com/invisibleman/feedsync/app/store"
)

// Server provides REST api over the query facade and the sync coordinator.
type Server struct {
	Version   string
	Facade    *query.Facade
	Processor *proc.Processor
	Bus       *proc.SyncBus
	Scheduler *proc.Scheduler

	httpServer *http.Server
	cache      lcw.LoadingCache
}

// Run starts the http server, blocking. Terminates on context cancellation.
func (s *Server) Run(ctx context.Context, port int) {
	log.Printf("[INFO] starting server on port %d", port)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := s.httpServer.Shutdown(sctx); e != nil {
			log.Printf("[WARN] http shutdown error, %v", e)
		}
	}()

	err := s.httpServer.ListenAndServe()
	log.Printf("[WARN] http server terminated, %v", err)
}

func (s *Server) router() chi.Router {
	if s.cache == nil {
		var err error
		if s.cache, err = lcw.NewExpirableCache(lcw.MaxKeys(100), lcw.TTL(time.Second*15)); err != nil {
			log.Fatalf("[ERROR] can't make cache, %v", err)
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP, rest.Recoverer(log.Default()))
	router.Use(rest.AppInfo("feedsync", "invisibleman", s.Version), rest.Ping)
	router.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(10, nil)))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/groups", s.getGroupsCtrl)
		r.Post("/groups", s.addGroupCtrl)
		r.Put("/groups", s.updateGroupCtrl)
		r.Delete("/groups/{id}", s.deleteGroupCtrl)

		r.Get("/feeds", s.getFeedsCtrl)
		r.Get("/feeds/exists", s.feedExistsCtrl)
		r.Get("/feeds/{id}", s.getFeedCtrl)
		r.Put("/feeds", s.updateFeedCtrl)
		r.Delete("/feeds/{id}", s.deleteFeedCtrl)
		r.Post("/subscribe", s.subscribeCtrl)

		r.Get("/articles", s.getArticlesCtrl)
		r.Get("/articles/{feed}/{id}", s.getArticleCtrl)
		r.Put("/articles", s.updateArticleCtrl)

		r.Get("/important", s.getImportantCtrl)

		r.Get("/sync/state", s.syncStateCtrl)
		r.Get("/sync/pending", s.syncPendingCtrl)
		r.Post("/sync", s.triggerSyncCtrl)
	})
	return router
}

func accountID(r *http.Request) string { return r.URL.Query().Get("account") }

// GET /api/v1/groups?account=id
func (s *Server) getGroupsCtrl(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Facade.Groups(accountID(r))
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't get groups")
		return
	}
	render.JSON(w, r, groups)
}

// POST /api/v1/groups?account=id&name=xyz
func (s *Server) addGroupCtrl(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.New("no name"), "can't add group")
		return
	}
	id, err := s.Processor.AddGroup(accountID(r), name)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't add group")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rest.JSON{"id": id})
}

// PUT /api/v1/groups with the group in the body
func (s *Server) updateGroupCtrl(w http.ResponseWriter, r *http.Request) {
	group := models.Group{}
	if err := render.DecodeJSON(r.Body, &group); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't parse group")
		return
	}
	if err := s.Facade.UpdateGroup(group); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't update group")
		return
	}
	render.JSON(w, r, group)
}

// DELETE /api/v1/groups/{id}?account=id
func (s *Server) deleteGroupCtrl(w http.ResponseWriter, r *http.Request) {
	if err := s.Facade.DeleteGroup(accountID(r), chi.URLParam(r, "id")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't delete group")
		return
	}
	render.JSON(w, r, rest.JSON{"deleted": true})
}

// GET /api/v1/feeds?account=id
func (s *Server) getFeedsCtrl(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Facade.GroupsWithFeeds(accountID(r))
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't get feeds")
		return
	}
	render.JSON(w, r, groups)
}

// GET /api/v1/feeds/exists?account=id&url=http...
func (s *Server) feedExistsCtrl(w http.ResponseWriter, r *http.Request) {
	found, err := s.Facade.FeedExists(accountID(r), r.URL.Query().Get("url"))
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't check feed")
		return
	}
	render.JSON(w, r, rest.JSON{"exists": found})
}

// GET /api/v1/feeds/{id}?account=id
func (s *Server) getFeedCtrl(w http.ResponseWriter, r *http.Request) {
	feed, err := s.Facade.FindFeed(accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't get feed")
		return
	}
	render.JSON(w, r, feed)
}

// PUT /api/v1/feeds with the feed in the body
func (s *Server) updateFeedCtrl(w http.ResponseWriter, r *http.Request) {
	feed := models.Feed{}
	if err := render.DecodeJSON(r.Body, &feed); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't parse feed")
		return
	}
	if err := s.Facade.UpdateFeed(feed); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't update feed")
		return
	}
	render.JSON(w, r, feed)
}

// DELETE /api/v1/feeds/{id}?account=id
func (s *Server) deleteFeedCtrl(w http.ResponseWriter, r *http.Request) {
	if err := s.Facade.DeleteFeed(accountID(r), chi.URLParam(r, "id")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't delete feed")
		return
	}
	render.JSON(w, r, rest.JSON{"deleted": true})
}

// subscribeRequest is the POST /subscribe body.
type subscribeRequest struct {
	Feed     models.Feed      `json:"feed"`
	Articles []models.Article `json:"articles"`
}

// POST /api/v1/subscribe
func (s *Server) subscribeCtrl(w http.ResponseWriter, r *http.Request) {
	req := subscribeRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't parse subscription")
		return
	}
	if err := s.Processor.Subscribe(req.Feed, req.Articles); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrDuplicateFeed) {
			code = http.StatusConflict
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't subscribe")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, req.Feed)
}

// GET /api/v1/articles?account=id&group=&feed=&starred=&unread=&offset=&limit=
func (s *Server) getArticlesCtrl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := query.ResolveFilter(q.Get("group"), q.Get("feed"),
		q.Get("starred") == "true", q.Get("unread") == "true")
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	articles, err := s.Facade.Articles(accountID(r), filter, offset, limit)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't get articles")
		return
	}
	render.JSON(w, r, articles)
}

// GET /api/v1/articles/{feed}/{id}
func (s *Server) getArticleCtrl(w http.ResponseWriter, r *http.Request) {
	article, err := s.Facade.FindArticle(chi.URLParam(r, "feed"), chi.URLParam(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		rest.SendErrorJSON(w, r, log.Default(), code, err, "can't get article")
		return
	}
	render.JSON(w, r, article)
}

// PUT /api/v1/articles with the article in the body
func (s *Server) updateArticleCtrl(w http.ResponseWriter, r *http.Request) {
	article := models.Article{}
	if err := render.DecodeJSON(r.Body, &article); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't parse article")
		return
	}
	if err := s.Processor.UpdateArticleInfo(article); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't update article")
		return
	}
	render.JSON(w, r, article)
}

// GET /api/v1/important?account=id&starred=&unread=
func (s *Server) getImportantCtrl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account, starred, unread := accountID(r), q.Get("starred") == "true", q.Get("unread") == "true"

	// the store revision is part of the key, so any mutation starts a
	// fresh cache entry and stale counts never outlive the data
	key := fmt.Sprintf("important-%s-%v-%v-%d", account, starred, unread, s.Facade.Store.Revision())
	data, err := s.cache.Get(key, func() (interface{}, error) {
		return s.Facade.Important(account, starred, unread)
	})
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't get counts")
		return
	}
	render.JSON(w, r, data)
}

// GET /api/v1/sync/state
func (s *Server) syncStateCtrl(w http.ResponseWriter, r *http.Request) {
	state := s.Bus.State()
	render.JSON(w, r, rest.JSON{
		"feed_count":        state.FeedCount,
		"synced_count":      state.SyncedCount,
		"current_feed_name": state.CurrentFeedName,
		"is_syncing":        state.IsSyncing(),
	})
}

// GET /api/v1/sync/pending
func (s *Server) syncPendingCtrl(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, rest.JSON{"pending": s.Scheduler.Pending(proc.SyncTaskName)})
}

// POST /api/v1/sync?account=id, manual trigger, returns immediately
func (s *Server) triggerSyncCtrl(w http.ResponseWriter, r *http.Request) {
	account := accountID(r)
	go s.Processor.Sync(context.Background(), account)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, rest.JSON{"status": "sync scheduled", "account": account})
}
