package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"meshcall/internal/adapters"
	"meshcall/internal/config"
	"meshcall/internal/relay"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *adapters.WSController, dir *relay.Directory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/roster", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userIds": dir.Roster()})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
