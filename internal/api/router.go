package api

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facerec/internal/api/handlers"
	"github.com/your-org/facerec/internal/api/ws"
	"github.com/your-org/facerec/internal/auth"
	"github.com/your-org/facerec/internal/vision"
)

type RouterConfig struct {
	APIKey         string
	MaxUploadBytes int64
	Logger         *slog.Logger
	Store          handlers.FaceStore
	// Extractor is nil when vision is disabled; image uploads then answer 503.
	Extractor vision.Extractor
	Hub       *ws.Hub
	Live      handlers.LiveStats
	Checks    []handlers.ReadinessCheck
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(cors.Default())
	if cfg.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Store, cfg.Live, cfg.Checks...)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	var events handlers.Broadcaster
	if cfg.Hub != nil {
		events = cfg.Hub
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	faceH := handlers.NewFaceHandler(cfg.Store, cfg.Extractor, events, cfg.MaxUploadBytes)
	v1.POST("/faces", faceH.Enroll)
	v1.GET("/faces", faceH.List)
	v1.GET("/faces/:id", faceH.Get)
	v1.DELETE("/faces/:id", faceH.Delete)
	v1.PATCH("/faces/:id/metadata", faceH.UpdateMetadata)
	v1.POST("/faces/:id/samples", faceH.AddSample)
	v1.GET("/faces/:id/samples/:index/image", faceH.SampleImage)
	v1.POST("/merge/:name", faceH.Merge)
	v1.POST("/search", faceH.Search)
	v1.POST("/recognize", faceH.Recognize)

	v1.GET("/stats", systemH.Stats)
	v1.GET("/live/stats", systemH.LiveStats)

	return r
}
