package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facerec/internal/models"
	"github.com/your-org/facerec/pkg/dto"
)

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// LiveStats reports per-stream counters of the live recognition loop.
type LiveStats interface {
	Snapshot() []models.StreamStats
}

type SystemHandler struct {
	store  FaceStore
	live   LiveStats
	checks []ReadinessCheck
}

// NewSystemHandler builds the health and stats endpoints. live may be nil when
// the recognition loop is not running.
func NewSystemHandler(store FaceStore, live LiveStats, checks ...ReadinessCheck) *SystemHandler {
	return &SystemHandler{store: store, live: live, checks: checks}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	st := h.store.Statistics()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"identities":     st.IdentityCount,
		"samples":        st.SampleCount,
		"model_id":       st.ModelID,
		"dimensionality": st.Dimensionality,
	})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	healthy := true
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			checks[chk.Name] = err.Error()
			healthy = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

func (h *SystemHandler) Stats(c *gin.Context) {
	st := h.store.Statistics()
	c.JSON(http.StatusOK, dto.StatsResponse{
		IdentityCount:     st.IdentityCount,
		SampleCount:       st.SampleCount,
		TotalRecognitions: st.TotalRecognitions,
		Threshold:         st.Threshold,
		Dimensionality:    st.Dimensionality,
		ModelID:           st.ModelID,
	})
}

func (h *SystemHandler) LiveStats(c *gin.Context) {
	resp := []dto.StreamStatsResponse{}
	if h.live != nil {
		for _, s := range h.live.Snapshot() {
			resp = append(resp, dto.StreamStatsResponse{
				StreamID:        s.StreamID,
				FramesProcessed: s.FramesProcessed,
				FacesDetected:   s.FacesDetected,
				FacesRecognized: s.FacesRecognized,
				FPS:             s.FPS,
				LastFrameAt:     s.LastFrameAt,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": resp, "total": len(resp)})
}
