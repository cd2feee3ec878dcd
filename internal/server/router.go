// Package server is the inbound HTTP surface of the bridge: health, metrics,
// actor documents and the signed inboxes remote servers follow through.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"birdbridge/internal/activity"
	"birdbridge/internal/delivery"
	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
)

const activityJSON = "application/activity+json; charset=utf-8"

// Store is what the handlers need from persistence.
type Store interface {
	GetAccount(ctx context.Context, handle string) (model.Account, error)
	AddFollower(ctx context.Context, handle string, sub model.Subscriber) (model.Subscriber, error)
	RemoveFollower(ctx context.Context, handle, actorURI string) error
}

// Sender delivers signed activities such as Accept.
type Sender interface {
	Deliver(ctx context.Context, inbox string, body []byte, sign delivery.SignFunc) delivery.Status
}

type Deps struct {
	Store     Store
	Actors    ActorFetcher
	Sender    Sender
	Builder   activity.Builder
	Logger    *slog.Logger
	ClockSkew time.Duration
	Now       func() time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ClockSkew <= 0 {
		deps.ClockSkew = 12 * time.Hour
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLog(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	users := &UsersHandler{
		Store:   deps.Store,
		Sender:  deps.Sender,
		Builder: deps.Builder,
		Logger:  deps.Logger,
		Now:     deps.Now,
	}
	r.GET("/users/:handle", users.Actor)
	r.GET("/users/:handle/followers", users.Followers)

	signed := RequireSignature(deps.Actors, deps.ClockSkew, deps.Now, deps.Logger)
	r.POST("/users/:handle/inbox", signed, users.Inbox)
	r.POST("/inbox", signed, users.Inbox)

	return r
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Serve runs h on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("server_listen", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
