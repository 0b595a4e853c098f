// Package httpipc is the loopback HTTP+JSON transport for the C13
// request dispatcher. It exposes a single POST /ipc endpoint that
// decodes a kaganapi.CoreRequest, forwards it to a dispatcher.Host, and
// writes back the resulting kaganapi.CoreResponse verbatim — spec §6's
// wire contract is already the dispatcher's own contract, so this
// package is a thin gin binding around it rather than its own API
// surface. Grounded on the gin.New()+Recovery()+graceful-shutdown shape
// of the teacher's internal/api/api.go Server.
package httpipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kagan-sh/kagan-core/internal/dispatcher"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/pkg/kaganapi"
)

// Server is the IPC listener cmd/kagand starts once the core is fully
// wired. It binds to loopback only (spec §4.11 — the core never
// accepts non-local connections).
type Server struct {
	host       *dispatcher.Host
	httpServer *http.Server
	addr       string
}

// New builds a Server bound to addr (host:port, normally
// "127.0.0.1:<port>"). The listener itself is not opened until Start.
func New(host *dispatcher.Host, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{host: host, addr: addr}
	router.GET("/healthz", s.healthz)
	router.POST("/ipc", s.handleIPC)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Addr returns the address the server is configured to bind, before
// Start resolves any ":0" ephemeral port to its actual value.
func (s *Server) Addr() string { return s.addr }

// Start opens the listener and serves until ctx is cancelled, then
// shuts down gracefully. It blocks until shutdown completes or fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpipc: listen on %s: %w", s.addr, err)
	}
	s.addr = listener.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info("httpipc: shutting down on %s", s.addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": s.host.ActiveSessionCount(),
	})
}

func (s *Server) handleIPC(c *gin.Context) {
	var req kaganapi.CoreRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, kaganapi.Err(kaganapi.ErrorDetail{
			Code:    "INVALID_ARGUMENT",
			Message: fmt.Sprintf("malformed request body: %v", err),
		}))
		return
	}

	resp := s.host.Dispatch(c.Request.Context(), req)
	c.JSON(http.StatusOK, resp)
}
