package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/common"
	"github.com/suPer8Hu/kitbot/internal/config"
	"github.com/suPer8Hu/kitbot/internal/httpapi/handlers"
	"github.com/suPer8Hu/kitbot/internal/httpapi/middleware"
	"github.com/suPer8Hu/kitbot/internal/instructions"
)

type Deps struct {
	Cfg      config.Config
	Log      zerolog.Logger
	Chat     *chat.Service
	Store    *instructions.Store
	Reloader handlers.Reloader
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.Recovery(d.Log))
	r.Use(cors.New(corsConfig(d.Cfg.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeNoMethod, "method not allowed")
	})

	h := handlers.NewHandler(d.Log, d.Chat, d.Store, d.Reloader)

	r.GET("/ping", h.Ping)
	r.GET("/debug", h.Debug)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/chat", h.Chat)

	// instruction documents
	r.POST("/upload", h.Upload)
	r.DELETE("/delete", h.Delete)
	r.GET("/list", h.List)
	r.Static("/instructions", d.Store.Dir())

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handlers.SessionHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
