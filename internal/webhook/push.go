package webhook

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/sync"
)

// pushEnvelope is the Pub/Sub push request body
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the Gmail payload carried in the envelope data
type Notification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
}

// HistoryID accepts both the numeric and the string JSON forms
type HistoryID string

func (h *HistoryID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = HistoryID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("historyId: %w", err)
	}
	*h = HistoryID(n.String())
	return nil
}

var errMalformed = errors.New("malformed push notification")

// ParseNotification decodes a push envelope. Any structural problem is
// reported as errMalformed.
func ParseNotification(body []byte) (*Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: empty message data", errMalformed)
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		if data, err = base64.URLEncoding.DecodeString(env.Message.Data); err != nil {
			return nil, fmt.Errorf("%w: message data is not base64", errMalformed)
		}
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	n.EmailAddress = strings.ToLower(strings.TrimSpace(n.EmailAddress))
	if n.EmailAddress == "" {
		return nil, fmt.Errorf("%w: missing emailAddress", errMalformed)
	}
	// The cursor is opaque here; the provider adapter validates its format.
	n.HistoryID = HistoryID(strings.TrimSpace(string(n.HistoryID)))
	if n.HistoryID == "" {
		return nil, fmt.Errorf("%w: missing historyId", errMalformed)
	}
	return &n, nil
}

// handleGmailPush acknowledges every well-formed notification with 204 so
// Pub/Sub never redelivers in a loop. The sync itself runs in the
// background.
func (s *Server) handleGmailPush(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	n, err := ParseNotification(body)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejected push notification")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scope, ok := s.mailboxes[n.EmailAddress]
	if !ok {
		s.log.Warn().Str("mailbox", logging.MaskEmail(n.EmailAddress)).Msg("push notification for unknown mailbox")
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	seeded, err := s.engine.HasCursor(ctx, scope)
	if err != nil {
		s.log.Error().Err(err).Str("scope", scope).Msg("failed to load cursor")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if !seeded {
		wrote, err := s.engine.Seed(ctx, scope, string(n.HistoryID))
		switch {
		case errors.Is(err, sync.ErrDisconnected):
			s.log.Warn().Str("scope", scope).Msg("push notification for disconnected mailbox")
		case err != nil:
			s.log.Error().Err(err).Str("scope", scope).Msg("failed to seed cursor")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		case !wrote:
			// seeded concurrently; this notification's changes are covered
			s.manager.Trigger(scope, "webhook")
		}
		c.Status(http.StatusNoContent)
		return
	}

	if !s.manager.Trigger(scope, "webhook") {
		s.log.Debug().Str("scope", scope).Str("history_id", string(n.HistoryID)).Msg("sync in flight, notification dropped")
	}
	c.Status(http.StatusNoContent)
}
