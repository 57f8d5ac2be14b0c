package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/portwatch"
)

const maxProxyBody = 10 << 20

// Handler serves the service API on top of an engine.
type Handler struct {
	engine  *portwatch.Engine
	started time.Time
	log     zerolog.Logger
}

func NewHandler(engine *portwatch.Engine) *Handler {
	return &Handler{
		engine:  engine,
		started: time.Now(),
		log:     log.With().Str("component", "web").Logger(),
	}
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    int(time.Since(h.started).Seconds()),
		"timestamp": time.Now(),
	})
}

func (h *Handler) ListServices(c *gin.Context) {
	services, err := h.engine.ListServices()
	if err != nil {
		h.serverError(c, err)
		return
	}

	views := newServiceViews(services)
	if uptimes, err := h.engine.Uptimes(); err == nil {
		for i := range views {
			if pct, ok := uptimes[views[i].ID]; ok {
				views[i].UptimePercentage = &pct
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"services":  views,
		"total":     len(services),
		"timestamp": time.Now(),
	})
}

func (h *Handler) GetService(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	svc, err := h.engine.GetService(id)
	if err != nil {
		h.notFound(c, err)
		return
	}

	view := newServiceView(svc)
	if pct, err := h.engine.Uptime(id); err == nil {
		view.UptimePercentage = pct
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) CreateService(c *gin.Context) {
	var req createServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}

	svc, err := h.engine.CreateService(req.Name, req.URL)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if req.Icon != "" || req.Description != "" || req.Tags != "" {
		edit := portwatch.ServiceEdit{}
		if req.Icon != "" {
			edit.Icon = &req.Icon
		}
		if req.Description != "" {
			edit.Description = &req.Description
		}
		if req.Tags != "" {
			edit.Tags = &req.Tags
		}
		if svc, err = h.engine.UpdateService(svc.ID, edit); err != nil {
			h.writeError(c, err)
			return
		}
	}

	// first verdict right away instead of unknown until the next tick
	if checked, err := h.engine.CheckService(c.Request.Context(), svc.ID); err == nil {
		svc = checked
	}

	c.JSON(http.StatusCreated, newServiceView(svc))
}

func (h *Handler) UpdateService(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	var req updateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}

	svc, err := h.engine.UpdateService(id, portwatch.ServiceEdit{
		Name:        req.Name,
		URL:         req.URL,
		Icon:        req.Icon,
		Description: req.Description,
		Tags:        req.Tags,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if checked, err := h.engine.CheckService(c.Request.Context(), svc.ID); err == nil {
		svc = checked
	}

	c.JSON(http.StatusOK, newServiceView(svc))
}

func (h *Handler) DeleteService(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	if err := h.engine.DeleteService(id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CheckService(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	svc, err := h.engine.CheckService(c.Request.Context(), id)
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, newServiceView(svc))
}

// DetectService probes for an API on demand. On-demand detection
// bypasses the failure throttle unless force=false is passed.
func (h *Handler) DetectService(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	svc, err := h.engine.GetService(id)
	if err != nil {
		h.notFound(c, err)
		return
	}

	// Already verified and ready to use, nothing to probe.
	if svc.ApiDetected && svc.ApiType != "" && svc.HasCredentials() {
		c.JSON(http.StatusOK, gin.H{
			"detected":           true,
			"already_configured": true,
			"service":            newServiceView(svc),
		})
		return
	}

	force := c.DefaultQuery("force", "true") == "true"

	svc, detected, err := h.engine.DetectService(c.Request.Context(), id, force)
	if err != nil {
		h.serverError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"detected":           detected,
		"already_configured": false,
		"service":            newServiceView(svc),
	})
}

func (h *Handler) SetCredentials(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}

	svc, err := h.engine.SetCredentials(id, portwatch.Credentials{
		Username:     req.Username,
		Password:     req.Password,
		ApiKey:       req.ApiKey,
		ApiURL:       req.ApiURL,
		AuthEndpoint: req.AuthEndpoint,
		ApiType:      req.ApiType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServiceView(svc))
}

func (h *Handler) History(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		h.badRequest(c, "invalid_limit", "limit must be numeric")
		return
	}

	checks, err := h.engine.History(id, limit)
	if err != nil {
		h.notFound(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checks": newCheckViews(checks),
		"total":  len(checks),
	})
}

func (h *Handler) Status(c *gin.Context) {
	services, err := h.engine.ListServices()
	if err != nil {
		h.serverError(c, err)
		return
	}

	summary := StatusSummary{Total: len(services), Timestamp: time.Now()}
	for _, svc := range services {
		switch svc.Status {
		case portwatch.STATUS_UP:
			summary.Up++
		case portwatch.STATUS_DOWN:
			summary.Down++
		default:
			summary.Unknown++
		}

		if svc.ApiDetected {
			summary.ApiDetected++
		}
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Refresh(c *gin.Context) {
	force := c.Query("force") == "true"
	rep := h.engine.RefreshAll(c.Request.Context(), force)

	c.JSON(http.StatusOK, gin.H{
		"synced":              rep.Synced,
		"checked":             rep.Checked,
		"registry_configured": rep.RegistryConfigured,
		"registry_available":  rep.RegistryAvailable,
		"timestamp":           time.Now(),
	})
}

// Proxy forwards a request to the service API, authenticating with the
// stored credentials. The target path comes from the "path" query
// parameter, the rest of the query is passed through.
func (h *Handler) Proxy(c *gin.Context) {
	id, ok := h.serviceID(c)
	if !ok {
		return
	}

	svc, err := h.engine.GetService(id)
	if err != nil {
		h.notFound(c, err)
		return
	}

	if !svc.HasCredentials() {
		h.badRequest(c, "no_credentials", "configure a username and password or an api key first")
		return
	}

	target := c.Query("path")
	if target == "" {
		h.badRequest(c, "missing_path", `missing "path" query parameter, e.g. ?path=/api/v2/app/version`)
		return
	}

	query := url.Values{}
	for k, vs := range c.Request.URL.Query() {
		if k == "path" {
			continue
		}
		query[k] = vs
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody))
	if err != nil {
		h.badRequest(c, "invalid_body", err.Error())
		return
	}

	res, err := h.engine.ApiRequest(c.Request.Context(), id, c.Request.Method, target, query, body, c.ContentType())
	if err != nil {
		h.proxyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  res.StatusCode,
		"data":    decodeProxyBody(res),
	})
}

// decodeProxyBody hands JSON bodies through as JSON and everything
// else as a string.
func decodeProxyBody(res *portwatch.ApiResponse) any {
	ct := res.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var v any
		if err := json.Unmarshal(res.Body, &v); err == nil {
			return v
		}
	}
	return string(res.Body)
}

func (h *Handler) proxyError(c *gin.Context, err error) {
	f, ok := portwatch.FailureOf(err)
	if !ok {
		h.serverError(c, err)
		return
	}

	status := http.StatusBadGateway
	switch f.Kind {
	case portwatch.FAIL_TIMEOUT:
		status = http.StatusGatewayTimeout
	case portwatch.FAIL_STATUS:
		// hand the upstream verdict through
		if f.Status > 0 {
			status = f.Status
		}
	}

	c.JSON(status, ErrorResponse{
		Error:     string(f.Kind),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func (h *Handler) serviceID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		h.badRequest(c, "invalid_id", "service id must be numeric")
		return 0, false
	}
	return uint(id), true
}

// writeError maps a mutation error to a response code.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case portwatch.IsNotFound(err):
		h.respondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, portwatch.ErrNotManual):
		h.respondError(c, http.StatusForbidden, "not_manual", err)
	case errors.Is(err, portwatch.ErrServiceExists):
		h.respondError(c, http.StatusConflict, "already_exists", err)
	default:
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
	}
}

func (h *Handler) notFound(c *gin.Context, err error) {
	if portwatch.IsNotFound(err) {
		h.respondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	h.serverError(c, err)
}

func (h *Handler) badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     code,
		Message:   msg,
		Timestamp: time.Now(),
	})
}

func (h *Handler) serverError(c *gin.Context, err error) {
	h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	h.respondError(c, http.StatusInternalServerError, "internal_error", err)
}

func (h *Handler) respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
