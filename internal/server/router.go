package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/nfornj/USVisaChat-sub000/internal/auth"
	"github.com/nfornj/USVisaChat-sub000/internal/config"
	"github.com/nfornj/USVisaChat-sub000/internal/metrics"
	"github.com/nfornj/USVisaChat-sub000/internal/mw"
	"github.com/nfornj/USVisaChat-sub000/internal/store"
	"github.com/nfornj/USVisaChat-sub000/internal/ws"
)

// SetupRouter wires middleware, the REST API and the websocket endpoint.
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub) *gin.Engine {
	verifier := auth.NewVerifier(gdb)
	authSvc := auth.NewService(gdb, auth.LogSender{},
		time.Duration(cfg.LoginCodeTTLMinutes)*time.Minute,
		time.Duration(cfg.SessionTTLDays)*24*time.Hour)
	msgs := store.NewMessageStore(gdb, time.Duration(cfg.HistoryCacheTTLSec)*time.Second)
	presence := store.NewPresenceTracker(gdb)
	h := NewHandler(cfg, authSvc, verifier, msgs, presence, hub)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(cfg.RateLimitMaxRequests, time.Duration(cfg.RateLimitWindowSeconds)*time.Second))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/request-code", h.RequestCode)
	api.POST("/auth/verify-code", h.VerifyCode)

	api.GET("/chat/history", h.History)
	api.GET("/chat/reactions", h.Reactions)
	api.GET("/chat/online-users", h.OnlineUsers)
	api.GET("/chat/room-statistics", h.RoomStatistics)

	authed := api.Group("")
	authed.Use(auth.SessionMiddleware(verifier))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)
	authed.POST("/chat/edit-message", h.EditMessage)
	authed.POST("/chat/delete-message", h.DeleteMessage)
	authed.POST("/chat/react", h.React)
	authed.POST("/chat/upload-image", h.UploadImage)

	admin := api.Group("/admin")
	admin.Use(auth.AdminMiddleware(cfg.AdminJWTSecret))
	admin.POST("/purge-messages", h.AdminPurgeMessages)
	admin.POST("/trim-room", h.AdminTrimRoom)
	admin.POST("/hard-delete-message", h.AdminHardDelete)
	admin.POST("/ban", h.AdminBan)
	admin.POST("/unban", h.AdminUnban)

	r.GET("/ws", ws.Serve(hub, verifier, msgs, presence, cfg))

	r.Static("/uploads", cfg.UploadDir)

	return r
}
