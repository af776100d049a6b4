// Package api is the HTTP/JSON facade adapter (spec §6): a narrow gin
// surface over the core engines. It owns no domain logic of its own.
package api

import (
	"fmt"

	"github.com/aparcar/firmwareforge/internal/build"
	"github.com/aparcar/firmwareforge/internal/config"
	"github.com/aparcar/firmwareforge/internal/flash"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/aparcar/firmwareforge/internal/toolchain"
	"github.com/gin-gonic/gin"
)

// Server holds the API server components.
type Server struct {
	store      *store.Store
	toolchains *toolchain.Cache
	builds     *build.Engine
	flasher    *flash.Engine
	config     *config.Config
	router     *gin.Engine
}

// NewServer constructs a Server wired to the core engines.
func NewServer(st *store.Store, tc *toolchain.Cache, be *build.Engine, fe *flash.Engine, cfg *config.Config) *Server {
	s := &Server{store: st, toolchains: tc, builds: be, flasher: fe, config: cfg}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.Default()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		profiles := v1.Group("/profiles")
		profiles.GET("", s.handleListProfiles)
		profiles.GET("/:id", s.handleGetProfile)
		profiles.PUT("/:id", s.handleUpsertProfile)
		profiles.DELETE("/:id", s.handleDeleteProfile)
		profiles.POST("/import", s.handleImportProfile)
		profiles.GET("/:id/export", s.handleExportProfile)

		toolchains := v1.Group("/toolchains")
		toolchains.POST("/ensure", s.handleEnsureToolchain)
		toolchains.GET("", s.handleListToolchains)
		toolchains.GET("/info", s.handleToolchainInfo)
		toolchains.POST("/prune", s.handlePruneToolchains)

		builds := v1.Group("/builds")
		builds.POST("", s.handleBuildOrReuse)
		builds.POST("/batch", s.handleBuildBatch)
		builds.GET("", s.handleListBuilds)
		builds.GET("/:id", s.handleGetBuild)
		builds.GET("/:id/artifacts", s.handleListArtifacts)

		v1.POST("/flash", s.handleFlash)
		v1.GET("/flash", s.handleListFlashes)
		v1.GET("/flash/:id", s.handleGetFlash)

		v1.GET("/stats/per-day", s.handleStatsPerDay)
		v1.GET("/stats/by-release", s.handleStatsByRelease)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until the process is signalled to stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ServerHost, s.config.ServerPort)
	return s.router.Run(addr)
}
