package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainrep/oracle/internal/trust"
)

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	if _, err := s.store.CountAgents(ctx); err != nil {
		checks["store"] = "unhealthy"
	} else {
		checks["store"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "ChainRep Oracle",
		"description": "Reputation oracle for on-chain registered agents",
		"version":     "0.1.0",
		"chains":      len(s.cfg.Chains),
	})
}

// getEvaluation handles GET /v1/agents/:id/evaluation
func (s *Server) getEvaluation(c *gin.Context) {
	eval, err := s.trust.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "evaluation_failed",
			"message": "Failed to evaluate agent",
		})
		return
	}
	c.JSON(http.StatusOK, eval)
}

// getRisk handles GET /v1/agents/:id/risk
func (s *Server) getRisk(c *gin.Context) {
	risk, err := s.trust.AssessRisk(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "assessment_failed",
			"message": "Failed to assess agent risk",
		})
		return
	}
	c.JSON(http.StatusOK, risk)
}

// listAgents handles GET /v1/agents — trusted-agent discovery.
// Query params: category, tier, min_score, min_feedback, limit.
func (s *Server) listAgents(c *gin.Context) {
	minScore, err := parseFloatParam(c, "min_score", 0)
	if err != nil {
		badParam(c, "min_score")
		return
	}
	minFeedback, err := parseIntParam(c, "min_feedback", 0)
	if err != nil {
		badParam(c, "min_feedback")
		return
	}
	limit, err := parseIntParam(c, "limit", 20)
	if err != nil || limit < 1 {
		badParam(c, "limit")
		return
	}
	if limit > 100 {
		limit = 100
	}

	found, err := s.trust.FindTrusted(c.Request.Context(),
		c.Query("category"), c.Query("tier"), minScore, minFeedback, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to list agents",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": found,
		"count":  len(found),
	})
}

// getHistory handles GET /v1/agents/:id/history — daily score snapshots,
// newest first.
func (s *Server) getHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetAgent(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}

	limit, err := parseIntParam(c, "limit", 30)
	if err != nil || limit < 1 {
		badParam(c, "limit")
		return
	}
	if limit > 365 {
		limit = 365
	}

	snaps, err := s.store.ListSnapshots(ctx, id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to load score history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId": id,
		"history": snaps,
		"count":   len(snaps),
	})
}

// getStats handles GET /v1/stats
func (s *Server) getStats(c *gin.Context) {
	stats, err := s.trust.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to compute network stats",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getLeaderboard handles GET /v1/leaderboard — the rescore worker's
// cached ranking, cheap to serve at any rate.
func (s *Server) getLeaderboard(c *gin.Context) {
	limit, err := parseIntParam(c, "limit", 20)
	if err != nil || limit < 1 {
		badParam(c, "limit")
		return
	}
	if limit > 100 {
		limit = 100
	}

	top := s.rescorer.Leaderboard(limit)
	c.JSON(http.StatusOK, gin.H{
		"agents": top,
		"count":  len(top),
	})
}

func parseIntParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func parseFloatParam(c *gin.Context, name string, def float64) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func badParam(c *gin.Context, name string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid value for " + name,
	})
}
