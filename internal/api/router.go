package api

import (
	"time"

	"github.com/PaulBabatuyi/casevault/internal/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	APIKeys        []string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", middleware.APIKeyHeader, middleware.UserIDHeader, middleware.RequestIDHeader}
	cfg.ExposeHeaders = []string{"Content-Disposition", middleware.RequestIDHeader}
	cfg.MaxAge = 12 * time.Hour

	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// NewRouter wires the case document routes onto a fresh gin engine.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	api := r.Group("/api", middleware.APIKeyAuth(cfg.APIKeys))
	{
		api.GET("/upload-requirements", h.UploadRequirements)

		authed := api.Group("", middleware.RequireUser())
		authed.POST("/cases/:caseID/files", h.UploadFile)
		authed.GET("/cases/:caseID/files", h.ListCaseFiles)
		authed.DELETE("/cases/:caseID/files", h.PurgeCase)
		authed.GET("/cases/:caseID/archive", h.DownloadArchive)

		authed.GET("/files/:id", h.GetFile)
		authed.GET("/files/:id/download", h.DownloadFile)
		authed.GET("/files/:id/url", h.PresignedURL)
		authed.DELETE("/files/:id", h.DeleteFile)
	}
	return r
}
