// Package replay provides a local HTTP front end for the mail engine. It
// pushes raw MIME through the inbound handler and outbound JSON through the
// outbound handler, using the in-process adapters, and exposes what they
// produced (queue contents, recorded sends, metric values) for inspection.
package replay

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailflow/internal/app"
	"mailflow/internal/config"
	"mailflow/internal/dispatch"
	"mailflow/internal/external"
	"mailflow/internal/queue"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

// outboundQueueARN is the source ARN stamped on locally drained records.
const outboundQueueARN = "arn:aws:sqs:local:000000000000:outbound"

// Server holds the in-memory components and the handlers built from them.
type Server struct {
	Config *config.Config
	Logger types.Logger

	store    *external.MemoryBlobStore
	queue    *queue.MemoryQueue
	mail     *external.StubMailDelivery
	metrics  *telemetry.MemoryMetrics
	inbound  *dispatch.InboundHandler
	outbound *dispatch.OutboundHandler

	router *chi.Mux
}

// NewServer builds a Server over components created by app.NewMemory. Any
// other adapter set is rejected since the inspection endpoints read the
// in-memory state directly.
func NewServer(c *app.Components) (*Server, error) {
	if c == nil || c.Config == nil {
		return nil, fmt.Errorf("components with config must not be nil")
	}
	store, ok := c.Store.(*external.MemoryBlobStore)
	if !ok {
		return nil, fmt.Errorf("replay requires the memory blob store, got %T", c.Store)
	}
	q, ok := c.Queue.(*queue.MemoryQueue)
	if !ok {
		return nil, fmt.Errorf("replay requires the memory queue, got %T", c.Queue)
	}
	mail, ok := c.Mail.(*external.StubMailDelivery)
	if !ok {
		return nil, fmt.Errorf("replay requires the stub mail delivery, got %T", c.Mail)
	}
	metrics, ok := c.Metrics.(*telemetry.MemoryMetrics)
	if !ok {
		return nil, fmt.Errorf("replay requires memory metrics, got %T", c.Metrics)
	}

	s := &Server{
		Config:   c.Config,
		Logger:   c.Logger,
		store:    store,
		queue:    q,
		mail:     mail,
		metrics:  metrics,
		inbound:  c.InboundHandler(),
		outbound: c.OutboundHandler(),
		router:   chi.NewRouter(),
	}
	s.MountRoutes()
	return s, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
