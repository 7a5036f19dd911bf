// Package webhook serves the push notification endpoint and the operator
// API over gin.
package webhook

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/auth"
	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/outbound"
	"github.com/Sabbir3x/outreach/internal/store"
	"github.com/Sabbir3x/outreach/internal/sync"
)

// Directory is the contact and triage side of the event store
type Directory interface {
	EnsureContact(ctx context.Context, name, email string) (*store.Contact, error)
	UnattributedReplies(ctx context.Context, limit int) ([]store.InboundReply, error)
}

// TokenBroker hands out the refresh token of an account linked elsewhere
type TokenBroker interface {
	GetToken(ctx context.Context, userJWT string, provider mailbox.ProviderName) (*auth.Token, error)
}

// Options wires a Server
type Options struct {
	Manager    *sync.Manager
	Dispatcher *outbound.Dispatcher
	Directory  Directory
	// Broker is optional; without it /mailbox/connect needs a refresh token.
	Broker   TokenBroker
	Provider mailbox.ProviderName
	// Mailboxes maps a mailbox address to its scope.
	Mailboxes    map[string]string
	DefaultScope string
	// PushAuth and AdminAuth are optional bearer verifiers.
	PushAuth  auth.Authenticator
	AdminAuth auth.Authenticator
	Logger    *zerolog.Logger
}

// Server holds the HTTP handlers
type Server struct {
	manager      *sync.Manager
	engine       *sync.Engine
	dispatcher   *outbound.Dispatcher
	directory    Directory
	broker       TokenBroker
	provider     mailbox.ProviderName
	mailboxes    map[string]string
	scopes       map[string]bool
	defaultScope string
	pushAuth     auth.Authenticator
	adminAuth    auth.Authenticator
	log          *zerolog.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		manager:      opts.Manager,
		engine:       opts.Manager.Engine(),
		dispatcher:   opts.Dispatcher,
		directory:    opts.Directory,
		broker:       opts.Broker,
		provider:     opts.Provider,
		mailboxes:    make(map[string]string, len(opts.Mailboxes)),
		scopes:       make(map[string]bool, len(opts.Mailboxes)),
		defaultScope: opts.DefaultScope,
		pushAuth:     opts.PushAuth,
		adminAuth:    opts.AdminAuth,
		log:          log,
	}
	for addr, scope := range opts.Mailboxes {
		s.mailboxes[strings.ToLower(addr)] = scope
		s.scopes[scope] = true
	}
	if s.defaultScope != "" {
		s.scopes[s.defaultScope] = true
	}
	return s
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhooks/gmail", s.authenticate(s.pushAuth), s.handleGmailPush)

	admin := r.Group("/")
	admin.Use(s.authenticate(s.adminAuth))
	admin.GET("/mailbox/status", s.handleStatus)
	admin.POST("/mailbox/connect", s.handleConnect)
	admin.POST("/mailbox/disconnect", s.handleDisconnect)
	admin.POST("/mailbox/sync", s.handleSync)
	admin.POST("/messages", s.handleSend)
	admin.GET("/replies/unattributed", s.handleUnattributed)

	return r
}

// scope resolves the requested scope, falling back to the default. Unknown
// scopes are rejected.
func (s *Server) scope(requested string) (string, bool) {
	if requested == "" {
		requested = s.defaultScope
	}
	return requested, requested != "" && s.scopes[requested]
}
