package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/tradingroom/internal/adapters/rest"
	"github.com/dkeye/tradingroom/internal/adapters/ws"
	"github.com/dkeye/tradingroom/internal/capture"
	"github.com/dkeye/tradingroom/internal/config"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/realtime"
	"github.com/dkeye/tradingroom/internal/share"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection is the realtime transport as the control API sees it.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() ws.State
	Channels() []string
}

type CameraLister interface {
	DiscoverVirtualCameras(ctx context.Context) ([]capture.DeviceInfo, error)
}

// Signaling exchanges SDP with whoever receives the published media.
type Signaling interface {
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
}

// Deps are the services behind the control API. Heartbeat and Signaling
// may be nil; their routes then answer 503.
type Deps struct {
	Conn      Connection
	Rooms     *realtime.Service
	Shares    *share.Service
	Approvals *share.Approvals
	Cameras   CameraLister
	Heartbeat *realtime.Heartbeat
	Signaling Signaling
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every caller with a stable id. The id doubles
// as the caller's participant id.
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

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("TradingRoomSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctx: ctx, deps: deps}
	api := r.Group("/api")

	api.GET("/connection", h.connectionState)
	api.POST("/connection", h.connect)
	api.DELETE("/connection", h.disconnect)

	api.GET("/room", h.roomState)
	api.POST("/room", h.joinRoom)
	api.DELETE("/room", h.leaveRoom)
	api.POST("/room/resync/:domain", h.resync)
	api.POST("/room/cleanup", h.cleanup)
	api.GET("/room/chat", listHandler(deps.Rooms.Chat()))
	api.GET("/room/alerts", listHandler(deps.Rooms.Alerts()))
	api.GET("/room/tracks", listHandler(deps.Rooms.Tracks()))
	api.GET("/room/polls", listHandler(deps.Rooms.Polls()))

	api.GET("/shares", h.listShares)
	api.POST("/shares", h.startShare)
	api.DELETE("/shares", h.stopAll)
	api.DELETE("/shares/:id", h.stopShare)
	api.POST("/shares/:id/primary", h.makePrimary)
	api.POST("/shares/:id/pause", h.togglePause)
	api.PUT("/shares/:id/resolution", h.setResolution)
	api.PUT("/mic", h.setMic)
	api.GET("/cameras", h.cameras)

	api.GET("/participants", h.listParticipants)
	api.PUT("/participants/:id", h.upsertParticipant)

	api.POST("/requests", h.requestShare)
	api.GET("/requests/:id", h.getRequest)
	api.POST("/requests/:id/approve", h.moderatorOnly, h.approve)
	api.POST("/requests/:id/deny", h.moderatorOnly, h.deny)
	api.DELETE("/requests/:id", h.clearRequest)

	api.POST("/rtc/offer", h.offer)
	api.POST("/rtc/answer", h.answer)
	api.POST("/rtc/candidate", h.candidate)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrShareNotFound),
		errors.Is(err, domain.ErrRequestNotFound),
		errors.Is(err, rest.ErrTrackNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStale), errors.Is(err, domain.ErrUnknownRoom):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoDevice), errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, domain.ErrUnknownDomain),
		errors.Is(err, domain.ErrNoVideoTrack):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	ev := log.Warn()
	if code == http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", code).Err(err).Msg("request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func listHandler[T realtime.Entity](coll *realtime.Collection[T]) gin.HandlerFunc {
	return func(c *gin.Context) {
		items := coll.Snapshot()
		c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
	}
}
