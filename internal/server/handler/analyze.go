// Package handler exposes the inspection core over HTTP: the analyze
// endpoint called by the edge/proxy layer, the metrics surface polled
// by the dashboard, and the authenticated admin mutation entry points.
package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/engine"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/store"
	"go.uber.org/zap"
)

// AnalyzeHandler serves the request-inspection endpoint.
type AnalyzeHandler struct {
	engine   *engine.Engine
	detector *ddos.Detector
	store    store.Store
	logger   *zap.Logger
}

// NewAnalyzeHandler creates an AnalyzeHandler.
func NewAnalyzeHandler(eng *engine.Engine, det *ddos.Detector, st store.Store, logger *zap.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{engine: eng, detector: det, store: st, logger: logger}
}

// Register registers the analyze routes on the given router group.
func (h *AnalyzeHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/analyze", h.Analyze)
	rg.POST("/analyze/release", h.Release)
}

// releaseRequest identifies a finished request for connection release.
type releaseRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	ClientIP string `json:"client_ip" binding:"required"`
}

// Analyze handles POST /v1/analyze — evaluates one normalized request
// descriptor and returns the AnalysisResult. The request is tracked in
// the tenant's DDoS state after analysis; the caller must POST
// /v1/analyze/release when the underlying connection completes.
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	var req model.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TenantID == "" || req.ClientIP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and client_ip are required"})
		return
	}
	normalizeHeaderKeys(&req)

	ctx := c.Request.Context()

	pol, err := h.store.Policy(ctx, req.TenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Configuration store trouble must not fail the request path;
		// fall back to the default policy and say so.
		h.logger.Warn("policy load failed, using defaults",
			zap.String("tenant", req.TenantID),
			zap.Error(err),
		)
	}
	if pol == nil {
		pol = model.DefaultPolicy()
	}
	req.Policy = pol

	start := time.Now()
	result := h.engine.Analyze(ctx, &req)
	h.detector.TrackRequest(req.TenantID, req.ClientIP)

	RecordDecision(string(result.Action), time.Since(start))
	for _, m := range result.Matches {
		RecordRuleHit(m.Category)
	}
	if result.DDoS != nil && result.DDoS.Detected {
		RecordDDoSDetection(string(result.DDoS.Severity))
	}

	c.JSON(http.StatusOK, result)
}

// Release handles POST /v1/analyze/release — decrements the tenant's
// connection counters when the edge layer finishes a request.
func (h *AnalyzeHandler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.detector.ReleaseConnection(req.TenantID, req.ClientIP)
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// normalizeHeaderKeys lower-cases header keys in place, upholding the
// request contract regardless of what the edge layer sent.
func normalizeHeaderKeys(req *model.Request) {
	if len(req.Headers) == 0 {
		return
	}
	normalized := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		normalized[strings.ToLower(k)] = v
	}
	req.Headers = normalized
}
