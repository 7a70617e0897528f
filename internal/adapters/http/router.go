package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/adapters/signal"
	"github.com/atedres/infinity-rooms/internal/config"
	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RoomSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	// Lobby listing is also reachable over plain HTTP, for crawlers and
	// pre-render; everything interactive goes over the websocket.
	api.GET("/rooms", func(c *gin.Context) {
		docs, err := ctl.Store.List(c.Request.Context(), core.Query{Collection: domain.ColRooms})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		rooms := make([]domain.Room, 0, len(docs))
		for _, doc := range docs {
			var room domain.Room
			if err := json.Unmarshal(doc.Data, &room); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Str("key", doc.Key).Msg("decode room")
				continue
			}
			rooms = append(rooms, room)
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})

	api.POST("/rooms", func(c *gin.Context) {
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			OpenStage   *bool  `json:"open_stage"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		openStage := cfg.OpenStageDefault
		if body.OpenStage != nil {
			openStage = *body.OpenStage
		}
		creator := ctl.Users.GetOrCreate(c.GetString("client_token"))
		room, err := ctl.Roles.CreateRoom(c.Request.Context(), body.Title, body.Description, creator.ID, openStage)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"room": room})
	})

	api.GET("/ws/room", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
