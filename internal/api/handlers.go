package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
)

func defaultSecret() (string, error) { return signing.GenerateSecret() }

type createEndpointRequest struct {
	URL        string   `json:"url" binding:"required"`
	EventTypes []string `json:"event_types" binding:"required,min=1"`
}

// EndpointWithSecret is returned when a plaintext secret is shown, which
// happens only at creation and rotation.
type EndpointWithSecret struct {
	Endpoint delivery.Endpoint `json:"endpoint"`
	Secret   string            `json:"secret"`
}

// EndpointHealth is the response of GET /v1/endpoints/:id/health.
type EndpointHealth struct {
	EndpointID string `json:"endpoint_id"`
	Enabled    bool   `json:"enabled"`
	circuit.Snapshot
}

type createInstallRequest struct {
	Name string `json:"name" binding:"required"`
}

// InstallWithSecret carries the plaintext install secret, shown only once.
type InstallWithSecret struct {
	Install delivery.Install `json:"install"`
	Secret  string           `json:"secret"`
}

type publishEventRequest struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload"`
}

func tenantOf(c *gin.Context) string {
	tenant, _ := auth.TenantFromGin(c)
	return tenant
}

// ownedEndpoint loads :id and hides endpoints of other tenants behind a 404.
func (s *Server) ownedEndpoint(c *gin.Context) (delivery.Endpoint, bool) {
	ep, err := s.endpoints.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return delivery.Endpoint{}, false
	}
	if ep.TenantID != tenantOf(c) {
		s.fail(c, notFound("endpoint"))
		return delivery.Endpoint{}, false
	}
	return ep, true
}

// createEndpoint handles POST /v1/endpoints.
func (s *Server) createEndpoint(c *gin.Context) {
	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validation(err.Error()))
		return
	}
	ctx := c.Request.Context()

	ep := delivery.Endpoint{
		TenantID:   tenantOf(c),
		URL:        strings.TrimSpace(req.URL),
		EventTypes: req.EventTypes,
		Enabled:    true,
	}
	if err := ep.Validate(s.allowInsecure); err != nil {
		s.fail(c, err)
		return
	}

	secret, err := s.generateSecret()
	if err != nil {
		s.fail(c, err)
		return
	}
	if ep.SecretCiphertext, err = s.secrets.Seal(secret); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.endpoints.Create(ctx, &ep); err != nil {
		s.fail(c, err)
		return
	}
	s.breakers.Ensure(ep)

	s.logger.WithContext(ctx).WithTenant(ep.TenantID).WithEndpoint(ep.ID).Info("endpoint created")
	c.JSON(http.StatusCreated, EndpointWithSecret{Endpoint: ep, Secret: secret})
}

// endpointHealth handles GET /v1/endpoints/:id/health.
func (s *Server) endpointHealth(c *gin.Context) {
	ep, ok := s.ownedEndpoint(c)
	if !ok {
		return
	}
	s.breakers.Ensure(ep)
	c.JSON(http.StatusOK, EndpointHealth{
		EndpointID: ep.ID,
		Enabled:    ep.Enabled,
		Snapshot:   s.breakers.Snapshot(ep.ID),
	})
}

// disableEndpoint handles POST /v1/endpoints/:id/disable. Queued deliveries
// are abandoned; in-flight requests finish.
func (s *Server) disableEndpoint(c *gin.Context) {
	ep, ok := s.ownedEndpoint(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.endpoints.SetEnabled(ctx, ep.ID, false); err != nil {
		s.fail(c, err)
		return
	}
	cancelled := 0
	if s.pool != nil {
		cancelled = s.pool.DisableEndpoint(ctx, ep.ID)
	}
	s.logger.WithContext(ctx).WithTenant(ep.TenantID).WithEndpoint(ep.ID).WithField("cancelled", cancelled).Info("endpoint disabled")
	c.JSON(http.StatusOK, gin.H{"endpoint_id": ep.ID, "enabled": false, "cancelled_deliveries": cancelled})
}

// enableEndpoint handles POST /v1/endpoints/:id/enable and closes the circuit.
func (s *Server) enableEndpoint(c *gin.Context) {
	ep, ok := s.ownedEndpoint(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.endpoints.SetEnabled(ctx, ep.ID, true); err != nil {
		s.fail(c, err)
		return
	}
	s.breakers.Ensure(ep)
	s.breakers.Reset(ctx, ep.ID)
	s.logger.WithContext(ctx).WithTenant(ep.TenantID).WithEndpoint(ep.ID).Info("endpoint enabled")
	c.JSON(http.StatusOK, gin.H{"endpoint_id": ep.ID, "enabled": true})
}

// rotateSecret handles POST /v1/endpoints/:id/rotate-secret.
func (s *Server) rotateSecret(c *gin.Context) {
	ep, ok := s.ownedEndpoint(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	secret, err := s.generateSecret()
	if err != nil {
		s.fail(c, err)
		return
	}
	sealed, err := s.secrets.Seal(secret)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.endpoints.RotateSecret(ctx, ep.ID, sealed); err != nil {
		s.fail(c, err)
		return
	}
	ep.SecretCiphertext = sealed
	s.logger.WithContext(ctx).WithTenant(ep.TenantID).WithEndpoint(ep.ID).Info("endpoint secret rotated")
	c.JSON(http.StatusOK, EndpointWithSecret{Endpoint: ep, Secret: secret})
}

// createInstall handles POST /v1/installs. The install signs inbound
// commands with the returned secret.
func (s *Server) createInstall(c *gin.Context) {
	if s.installs == nil {
		s.fail(c, newError(http.StatusNotImplemented, "installs_disabled", "no install repository configured"))
		return
	}
	var req createInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validation(err.Error()))
		return
	}
	ctx := c.Request.Context()

	secret, err := s.generateSecret()
	if err != nil {
		s.fail(c, err)
		return
	}
	in := delivery.Install{
		TenantID: tenantOf(c),
		Name:     strings.TrimSpace(req.Name),
		Enabled:  true,
	}
	if in.SecretCiphertext, err = s.secrets.Seal(secret); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.installs.Create(ctx, &in); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.WithContext(ctx).WithTenant(in.TenantID).WithField("install_id", in.ID).Info("install created")
	c.JSON(http.StatusCreated, InstallWithSecret{Install: in, Secret: secret})
}

// listDeliveries handles GET /v1/endpoints/:id/deliveries.
func (s *Server) listDeliveries(c *gin.Context) {
	ep, ok := s.ownedEndpoint(c)
	if !ok {
		return
	}
	page := store.Page{Token: c.Query("page_token")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, validation("limit must be a non-negative integer"))
			return
		}
		page.Size = n
	}
	res, err := s.attempts.List(c.Request.Context(), ep.ID, page)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Attempts == nil {
		res.Attempts = []delivery.Attempt{}
	}
	c.JSON(http.StatusOK, res)
}

// retryDelivery handles POST /v1/deliveries/:id/retry.
func (s *Server) retryDelivery(c *gin.Context) {
	ctx := c.Request.Context()
	src, err := s.attempts.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if src.TenantID != tenantOf(c) {
		s.fail(c, notFound("delivery"))
		return
	}
	a, err := s.dispatcher.Replay(ctx, src.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, a)
}

// publishEvent handles POST /v1/events.
func (s *Server) publishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validation(err.Error()))
		return
	}
	ev := delivery.NewEvent(tenantOf(c), req.EventType, req.Payload)
	if req.EventID != "" {
		ev.ID = req.EventID
		prev, err := s.attempts.GetEvent(c.Request.Context(), ev.ID)
		switch {
		case err == nil && !prev.SameContent(ev):
			s.fail(c, store.ErrEventConflict)
			return
		case err != nil && !errors.Is(err, store.ErrNotFound):
			s.fail(c, err)
			return
		}
	}
	s.dispatcher.DispatchEvent(c.Request.Context(), ev)
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID})
}

// purge handles POST /v1/ops/purge. Without all=true only the caller's
// tenant is purged.
func (s *Server) purge(c *gin.Context) {
	window := s.retention
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.fail(c, validation("older_than must be a positive duration such as 720h"))
			return
		}
		window = d
	}
	if window <= 0 {
		s.fail(c, validation("older_than is required"))
		return
	}

	ctx := c.Request.Context()
	var (
		removed int64
		err     error
	)
	all := c.Query("all") == "true"
	if all {
		removed, err = s.attempts.PurgeOlderThan(ctx, window)
	} else {
		removed, err = s.attempts.PurgeTenantOlderThan(ctx, tenantOf(c), window)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.RecordPurge(removed)
	s.logger.WithContext(ctx).WithTenant(tenantOf(c)).WithFields(map[string]any{
		"older_than": window.String(),
		"all":        all,
		"removed":    removed,
	}).Info("delivery log purged")
	c.JSON(http.StatusOK, gin.H{"removed": removed, "older_than": window.String()})
}

// alertsTick handles POST /v1/ops/alerts/tick.
func (s *Server) alertsTick(c *gin.Context) {
	if s.alerts == nil {
		s.fail(c, newError(http.StatusNotImplemented, "alerts_disabled", "no alert rules configured"))
		return
	}
	alerts, err := s.alerts.Tick(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// handleCommand handles POST /v1/commands/:name.
func (s *Server) handleCommand(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, newError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large"))
			return
		}
		s.fail(c, validation("cannot read request body"))
		return
	}

	res, err := s.commands.Process(c.Request.Context(), inbound.Request{
		InstallID:      c.GetHeader(inbound.InstallIDHeader),
		Command:        c.Param("name"),
		IdempotencyKey: c.GetHeader(inbound.IdempotencyKeyHeader),
		Timestamp:      c.GetHeader(signing.TimestampHeader),
		Signature:      c.GetHeader(signing.SignatureHeader),
		Body:           body,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	if res.Status == delivery.CommandRateLimited && res.RetryAfter > 0 {
		secs := int((res.RetryAfter + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.JSON(commandStatusCode(res.Status), res)
}

func commandStatusCode(st delivery.CommandStatus) int {
	switch st {
	case delivery.CommandExecuted:
		return http.StatusOK
	case delivery.CommandFailed:
		return http.StatusUnprocessableEntity
	case delivery.CommandAuthFailed:
		return http.StatusUnauthorized
	case delivery.CommandRateLimited:
		return http.StatusTooManyRequests
	case delivery.CommandInProgress:
		return http.StatusConflict
	case delivery.CommandUnknown:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
