// Package mcpserver exposes the broker to agents as MCP tools over an SSE
// transport. Every call authenticates with the shared secret header; the
// tools map one-to-one onto the broker's operations.
package mcpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/paging"
	"github.com/marcus-qen/bouncer/internal/pipeline"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/trust"
	"github.com/marcus-qen/bouncer/internal/uploads"
)

// Version is injected from the build metadata.
var Version = "dev"

// SecretHeader carries the shared secret on every agent request. Header
// lookup is case-insensitive.
const SecretHeader = "X-Bouncer-Secret"

// Server is the agent-facing MCP surface.
type Server struct {
	server   *mcp.Server
	handler  http.Handler
	broker   *pipeline.Broker
	store    *store.Store
	accounts *accounts.Registry
	trust    *trust.Manager
	grants   *grant.Manager
	uploads  *uploads.Manager
	pager    *paging.Pager
	secret   string
	log      *zap.Logger
}

// New wires the tool surface. An empty secret disables transport auth,
// which is only sensible for local development.
func New(broker *pipeline.Broker, st *store.Store, reg *accounts.Registry,
	tr *trust.Manager, grants *grant.Manager, up *uploads.Manager,
	pager *paging.Pager, secret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "bouncer",
		Version: implVersion,
	}, nil)

	s := &Server{
		server:   srv,
		broker:   broker,
		store:    st,
		accounts: reg,
		trust:    tr,
		grants:   grants,
		uploads:  up,
		pager:    pager,
		secret:   secret,
		log:      logger.Named("mcp"),
	}

	s.registerTools()
	sse := mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
	s.handler = s.authenticate(sse)

	return s
}

// Handler returns the authenticated HTTP transport, mounted at /mcp.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// authenticate gates the transport on the shared secret. A constant-time
// compare keeps the header from leaking by timing.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
				s.log.Warn("unauthorized agent request", zap.String("remote", r.RemoteAddr))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
