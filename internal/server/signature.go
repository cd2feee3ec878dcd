package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"birdbridge/internal/httpsig"
)

const (
	actorContextKey = "remoteActor"
	bodyContextKey  = "rawBody"
	maxInboxBody    = 1 << 20
)

// RemoteActorFromContext returns the actor whose signature was verified.
func RemoteActorFromContext(c *gin.Context) (RemoteActor, bool) {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return RemoteActor{}, false
	}
	a, ok := v.(RemoteActor)
	return a, ok
}

func bodyFromContext(c *gin.Context) []byte {
	v, _ := c.Get(bodyContextKey)
	b, _ := v.([]byte)
	return b
}

// RequireSignature verifies the HTTP signature of inbox posts against the
// key of the remote actor named by keyId.
func RequireSignature(actors ActorFetcher, skew time.Duration, now func() time.Time, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if len(body) > maxInboxBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		p, err := httpsig.ParseSignature(c.GetHeader("Signature"))
		if err != nil {
			unauthorized(c, logger, "", err)
			return
		}
		if err := httpsig.Covers(p, httpsig.BodyHeaders...); err != nil {
			unauthorized(c, logger, p.KeyID, err)
			return
		}
		if err := httpsig.CheckDate(c.Request, now(), skew); err != nil {
			unauthorized(c, logger, p.KeyID, err)
			return
		}
		actor, err := actors.FetchActor(c.Request.Context(), p.KeyID)
		if err != nil {
			unauthorized(c, logger, p.KeyID, err)
			return
		}
		if err := httpsig.Verify(c.Request, p, actor.Key, body); err != nil {
			unauthorized(c, logger, p.KeyID, err)
			return
		}
		c.Set(actorContextKey, actor)
		c.Set(bodyContextKey, body)
		c.Next()
	}
}

func unauthorized(c *gin.Context, logger *slog.Logger, keyID string, err error) {
	reason := "invalid signature"
	if errors.Is(err, httpsig.ErrMissingSignature) {
		reason = "missing signature"
	}
	logger.Warn("inbox_signature_rejected", "path", c.Request.URL.Path, "key_id", keyID, "error", err)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}
