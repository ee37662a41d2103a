package web

import (
	"fmt"
	"strings"

	"github.com/anancus/anancus/activitypub"
	"github.com/anancus/anancus/util"
	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const activityJSON = "application/activity+json; charset=utf-8"

// Server is the HTTP face of the federation engine.
type Server struct {
	conf   *util.AppConfig
	store  activitypub.Store
	inbox  *activitypub.InboxService
	system *activitypub.SystemAccount
}

func NewServer(conf *util.AppConfig, store activitypub.Store, inbox *activitypub.InboxService, system *activitypub.SystemAccount) *Server {
	return &Server{conf: conf, store: store, inbox: inbox, system: system}
}

// Router builds the gin engine. Split from Run so tests can drive it
// with httptest.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	if s.conf.Conf.WithAp {
		s.registerActivityPub(g)
	}

	return g
}

func (s *Server) registerActivityPub(g *gin.Engine) {
	// Stricter rate limit for ActivityPub endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for ActivityPub activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		err, doc := s.ActorDoc(c.Param("actor"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Actor not found"})
			return
		}
		c.JSON(200, doc)
	})

	// Server-level actor, the identity behind authorized fetches.
	g.GET("/actor", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.JSON(200, s.SystemActorDoc())
	})

	g.GET("/notes/:id", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		noteId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid note ID"})
			return
		}
		err, doc := s.NoteDoc(noteId)
		if err != nil {
			c.JSON(404, gin.H{"error": "Note not found"})
			return
		}
		if doc["type"] == "Tombstone" {
			c.JSON(410, doc)
			return
		}
		c.JSON(200, doc)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		log.Debugf("POST /inbox (shared inbox)")
		body, err := c.GetRawData()
		if err != nil {
			log.Warnf("Shared inbox: failed to read body: %v", err)
			c.Status(400)
			return
		}
		status, result := s.inbox.HandleInbox(c.Request, body, nil)
		s.answer(c, status, result)
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		actor := c.Param("actor")
		log.Debugf("POST /users/%s/inbox", actor)

		err, recipient := s.store.ReadAccByUsername(actor)
		if err != nil || recipient == nil {
			c.JSON(404, gin.H{"error": "Actor not found"})
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			log.Warnf("Inbox %s: failed to read body: %v", actor, err)
			c.Status(400)
			return
		}
		status, result := s.inbox.HandleInbox(c.Request, body, recipient)
		s.answer(c, status, result)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.JSON(200, s.emptyCollection(c.Param("actor"), "outbox"))
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.JSON(200, s.emptyCollection(c.Param("actor"), "followers"))
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.JSON(200, s.emptyCollection(c.Param("actor"), "following"))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.JSON(404, webfingerNotFound())
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", s.conf.Conf.SslDomain))
		err, resp := s.Webfinger(resource)
		if err != nil {
			c.JSON(404, webfingerNotFound())
			return
		}
		c.JSON(200, resp)
	})
}

// answer writes the inbox outcome. Failures past the signature stage
// are still 2xx so the peer does not retry forever.
func (s *Server) answer(c *gin.Context, status int, result activitypub.Result) {
	if status >= 400 {
		c.JSON(status, gin.H{"error": result.Message})
		return
	}
	c.Status(status)
}

func (s *Server) emptyCollection(username, suffix string) map[string]interface{} {
	return map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         fmt.Sprintf("%s/users/%s/%s", s.conf.BaseURL(), username, suffix),
		"type":       "OrderedCollection",
		"totalItems": 0,
		"orderedItems": []interface{}{},
	}
}

// Run serves the router until the listener fails.
func (s *Server) Run() error {
	log.Infof("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	g := s.Router()
	if err := g.Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort)); err != nil {
		return err
	}
	return nil
}
