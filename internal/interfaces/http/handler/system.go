package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp/fleetsync/internal/application/collection"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/cache"
	"github.com/erp/fleetsync/internal/interfaces/http/dto"
)

// DiagnosticsSource reports the sync service counters.
type DiagnosticsSource interface {
	Diagnostics() collection.Diagnostics
}

// SubscriptionLister lists the live registrations.
type SubscriptionLister interface {
	Active() []collection.Subscription
}

// ClientCounter reports connected stream clients.
type ClientCounter interface {
	ClientCount() int
}

// ErrorReporter exposes the last initialization error of a remote client.
type ErrorReporter interface {
	LastError() error
}

// SystemHandler serves health, readiness and diagnostics.
type SystemHandler struct {
	BaseHandler
	name      string
	version   string
	startTime time.Time

	remote        record.ReadinessSource
	diagnostics   DiagnosticsSource
	subscriptions SubscriptionLister
	streams       ClientCounter
	cacheStats    cache.StatsProvider
}

// SystemOption configures a SystemHandler.
type SystemOption func(*SystemHandler)

// WithSubscriptions adds the live registrations to diagnostics.
func WithSubscriptions(l SubscriptionLister) SystemOption {
	return func(h *SystemHandler) { h.subscriptions = l }
}

// WithStreamClients adds the stream client count to diagnostics.
func WithStreamClients(c ClientCounter) SystemOption {
	return func(h *SystemHandler) { h.streams = c }
}

// WithCacheStats adds the local cache counters to diagnostics.
func WithCacheStats(s cache.StatsProvider) SystemOption {
	return func(h *SystemHandler) { h.cacheStats = s }
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(name, version string, remote record.ReadinessSource, diagnostics DiagnosticsSource, opts ...SystemOption) *SystemHandler {
	h := &SystemHandler{
		name:        name,
		version:     version,
		startTime:   time.Now(),
		remote:      remote,
		diagnostics: diagnostics,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// Health reports that the process is serving.
//
//	GET /health
//
// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response{data=HealthResponse}
// @Router       /health [get]
func (h *SystemHandler) Health(c *gin.Context) {
	h.Success(c, HealthResponse{
		Status:    "healthy",
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Ready answers 200 once the remote client has a connection and a tenant.
// The service still serves cached collections while not ready.
//
//	GET /ready
//
// @Summary      Readiness check
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response{data=dto.RemoteStatus}
// @Failure      503 {object} dto.Response{data=dto.RemoteStatus,error=dto.ErrorInfo}
// @Router       /ready [get]
func (h *SystemHandler) Ready(c *gin.Context) {
	status := h.remoteStatus()
	if !status.Connected || status.TenantID == "" {
		c.JSON(http.StatusServiceUnavailable, dto.Response{
			Success: false,
			Data:    status,
			Error: &dto.ErrorInfo{
				Code:      record.CodeNotReady,
				Message:   "Remote client not ready",
				RequestID: getRequestID(c),
			},
		})
		return
	}
	h.Success(c, status)
}

// Diagnostics returns the sync counters and live state.
//
//	GET /sync/diagnostics
//
// @Summary      Sync diagnostics
// @Description  Sync counters, live registrations, stream clients, cache and remote state
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response{data=dto.DiagnosticsResponse}
// @Router       /sync/diagnostics [get]
func (h *SystemHandler) Diagnostics(c *gin.Context) {
	resp := dto.DiagnosticsResponse{
		Subscriptions: []collection.Subscription{},
		Remote:        h.remoteStatus(),
	}
	if h.diagnostics != nil {
		resp.Counters = h.diagnostics.Diagnostics()
	}
	if h.subscriptions != nil {
		resp.Subscriptions = h.subscriptions.Active()
	}
	if h.streams != nil {
		resp.StreamClients = h.streams.ClientCount()
	}
	if h.cacheStats != nil {
		resp.Cache = h.cacheStats.Stats()
	}
	h.Success(c, resp)
}

func (h *SystemHandler) remoteStatus() dto.RemoteStatus {
	if h.remote == nil {
		return dto.RemoteStatus{}
	}
	status := dto.RemoteStatus{
		Connected: h.remote.HasConnection(),
		TenantID:  h.remote.TenantID(),
	}
	if r, ok := h.remote.(ErrorReporter); ok {
		if err := r.LastError(); err != nil {
			status.LastError = err.Error()
		}
	}
	return status
}
