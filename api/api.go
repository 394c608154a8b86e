package api

import (
	"net/http"

	"github.com/redresshq/redress/config"

	"github.com/redresshq/redress/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redresshq/redress"
)

type Api struct {
	redress *redress.Redress
	subs    *redress.SubscriptionManager
	conns   *redress.ConnectionRegistry
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/complaints", a.CreateComplaint)
	router.GET("/complaints/:id", a.GetComplaint)
	router.PUT("/complaints/:id", a.UpdateComplaint)
	router.DELETE("/complaints/:id", a.DeleteComplaint)
	router.POST("/complaints/:id/recreate", a.RecreateComplaint)
	router.POST("/complaints/:id/delegate", a.DelegateComplaint)
	router.POST("/complaints/:id/resolve", a.ResolveComplaint)
	router.GET("/complaints/:id/history", a.GetComplaintHistory)

	router.POST("/handlers", a.CreateHandler)

	router.GET("/ws", a.Subscribe)
	return a.router
}

func NewAPI(r *redress.Redress) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	engine := gin.Default()
	engine.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.SecretKey != "" {
		engine.Use(middleware.SecretKeyAuthMiddleware())
	}

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	conns := redress.NewConnectionRegistry()
	return &Api{
		redress: r,
		subs:    redress.NewSubscriptionManager(r.Bus(), conns),
		conns:   conns,
		router:  engine,
	}
}
