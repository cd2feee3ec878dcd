package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"birdbridge/internal/activity"
	"birdbridge/internal/delivery"
	"birdbridge/internal/httpsig"
	"birdbridge/internal/magickey"
	"birdbridge/internal/model"
	"birdbridge/internal/store"
	"birdbridge/internal/xclient"
)

// UsersHandler serves the actors of mirrored accounts and their inboxes.
type UsersHandler struct {
	Store   Store
	Sender  Sender
	Builder activity.Builder
	Logger  *slog.Logger
	Now     func() time.Time
}

// statusOf maps an error onto the HTTP status returned to remote servers.
func statusOf(err error) int {
	switch {
	case errors.Is(err, xclient.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, xclient.ErrAccountNotFound),
		errors.Is(err, xclient.ErrAccountSuspended):
		return http.StatusNotFound
	case errors.Is(err, httpsig.ErrBadSignature),
		errors.Is(err, httpsig.ErrDigestMismatch),
		errors.Is(err, httpsig.ErrMissingSignature):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (h *UsersHandler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.Logger.Error("http_error", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(code, gin.H{"error": http.StatusText(code)})
}

func (h *UsersHandler) Actor(c *gin.Context) {
	acct, err := h.Store.GetAccount(c.Request.Context(), c.Param("handle"))
	if err != nil {
		h.fail(c, err)
		return
	}
	key, err := magickey.Import(acct.PrivateKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	pem, err := key.PublicPEM()
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := json.Marshal(h.Builder.Actor(acct, pem))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, activityJSON, body)
}

func (h *UsersHandler) Followers(c *gin.Context) {
	acct, err := h.Store.GetAccount(c.Request.Context(), c.Param("handle"))
	if err != nil {
		h.fail(c, err)
		return
	}
	body, _ := json.Marshal(map[string]string{
		"@context": activity.Context,
		"id":       h.Builder.FollowersURL(acct.Handle),
		"type":     "OrderedCollection",
	})
	c.Data(http.StatusOK, activityJSON, body)
}

type inbound struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// objectRef returns the id of an object given inline or by reference.
func objectRef(raw json.RawMessage) (id string, inner inbound) {
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, inbound{ID: id}
	}
	_ = json.Unmarshal(raw, &inner)
	return inner.ID, inner
}

// handleOf extracts the handle from one of our actor URLs.
func (h *UsersHandler) handleOf(actorURL string) string {
	prefix := h.Builder.ActorURL("")
	if !strings.HasPrefix(actorURL, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(actorURL, prefix)
	if strings.ContainsAny(rest, "/#?") {
		return ""
	}
	return model.NormalizeHandle(rest)
}

// Inbox accepts Follow and Undo(Follow); every other activity is
// acknowledged and ignored.
func (h *UsersHandler) Inbox(c *gin.Context) {
	remote, ok := RemoteActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	raw := bodyFromContext(c)
	var act inbound
	if err := json.Unmarshal(raw, &act); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity"})
		return
	}
	if act.Actor != remote.ID {
		h.Logger.Warn("inbox_actor_mismatch", "actor", act.Actor, "signer", remote.ID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "actor does not match signature"})
		return
	}

	switch act.Type {
	case "Follow":
		target, _ := objectRef(act.Object)
		handle := h.handleOf(target)
		if handle == "" || (c.Param("handle") != "" && model.NormalizeHandle(c.Param("handle")) != handle) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown follow target"})
			return
		}
		if err := h.follow(c.Request.Context(), handle, remote, raw); err != nil {
			h.fail(c, err)
			return
		}
	case "Undo":
		_, inner := objectRef(act.Object)
		if inner.Type != "Follow" {
			break
		}
		target, _ := objectRef(inner.Object)
		handle := h.handleOf(target)
		if handle == "" {
			break
		}
		err := h.Store.RemoveFollower(c.Request.Context(), handle, remote.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.fail(c, err)
			return
		}
		h.Logger.Info("follower_removed", "account", handle, "actor", remote.ID)
	default:
		h.Logger.Debug("inbox_ignored", "type", act.Type, "actor", remote.ID)
	}
	c.Status(http.StatusAccepted)
}

// follow stores the follower and sends it a signed Accept.
func (h *UsersHandler) follow(ctx context.Context, handle string, remote RemoteActor, follow []byte) error {
	acct, err := h.Store.GetAccount(ctx, handle)
	if err != nil {
		return err
	}
	sub, err := h.Store.AddFollower(ctx, handle, model.Subscriber{
		ActorURI:    remote.ID,
		Inbox:       remote.Inbox,
		SharedInbox: remote.SharedInbox,
		Host:        remote.Host,
	})
	if err != nil {
		return err
	}
	h.Logger.Info("follower_added", "account", handle, "actor", remote.ID, "follower", sub.ID)

	key, err := magickey.Import(acct.PrivateKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(h.Builder.Accept(handle, follow))
	if err != nil {
		return err
	}
	keyID := h.Builder.KeyID(handle)
	st := h.Sender.Deliver(ctx, remote.Inbox, body, func(req *http.Request) error {
		return httpsig.Sign(req, keyID, key, body, h.Now())
	})
	if st != delivery.StatusDelivered {
		h.Logger.Warn("accept_not_delivered", "account", handle, "actor", remote.ID, "status", st.String())
	}
	return nil
}
