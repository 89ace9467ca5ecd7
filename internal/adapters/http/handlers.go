package http

import (
	"context"
	"net/http"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/share"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	// ctx outlives single requests; the transport reconnects under it.
	ctx  context.Context
	deps Deps
}

func callerID(c *gin.Context) string { return c.GetString("client_token") }

func (h *handlers) connectionState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    h.deps.Conn.State().String(),
		"channels": h.deps.Conn.Channels(),
	})
}

func (h *handlers) connect(c *gin.Context) {
	if err := h.deps.Conn.Connect(h.ctx); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.deps.Conn.State().String()})
}

func (h *handlers) disconnect(c *gin.Context) {
	h.deps.Conn.Disconnect()
	c.Status(http.StatusNoContent)
}

func (h *handlers) roomState(c *gin.Context) {
	rooms := h.deps.Rooms
	c.JSON(http.StatusOK, gin.H{
		"room":      rooms.Room(),
		"last_room": sessions.Default(c).Get("room"),
		"channels":  rooms.ActiveChannels(),
		"counts": gin.H{
			string(domain.DomainChat):   rooms.Chat().Len(),
			string(domain.DomainAlerts): rooms.Alerts().Len(),
			string(domain.DomainTracks): rooms.Tracks().Len(),
			string(domain.DomainPolls):  rooms.Polls().Len(),
		},
	})
}

func (h *handlers) joinRoom(c *gin.Context) {
	var req struct {
		Room   domain.RoomID `json:"room"`
		Domain domain.Domain `json:"domain,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
		return
	}

	// captures started for the previous room must not land in this one
	if h.deps.Rooms.Room() != req.Room {
		h.deps.Shares.Invalidate()
	}
	var err error
	if req.Domain != "" {
		err = h.deps.Rooms.SubscribeDomain(req.Room, req.Domain)
	} else {
		err = h.deps.Rooms.SubscribeToRoom(req.Room)
	}
	if err != nil {
		fail(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set("room", string(req.Room))
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("session save failed")
	}
	c.JSON(http.StatusOK, gin.H{"room": req.Room, "channels": h.deps.Rooms.ActiveChannels()})
}

func (h *handlers) leaveRoom(c *gin.Context) {
	h.deps.Shares.Invalidate()
	h.deps.Rooms.UnsubscribeFromRoom()
	c.Status(http.StatusNoContent)
}

func (h *handlers) resync(c *gin.Context) {
	if err := h.deps.Rooms.Resync(domain.Domain(c.Param("domain"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) cleanup(c *gin.Context) {
	if h.deps.Heartbeat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "track keeper disabled"})
		return
	}
	n, err := h.deps.Heartbeat.TriggerCleanup(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed_count": n})
}

func (h *handlers) listShares(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Shares.Store().Snapshot())
}

// startShare lets moderators share directly. Everyone else needs an
// approved request of their own for the same kind; it is consumed by a
// successful start.
func (h *handlers) startShare(c *gin.Context) {
	var req struct {
		share.StartOptions
		RequestID string `json:"request_id,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	caller := callerID(c)
	if !h.canModerate(caller) {
		r, ok := h.deps.Approvals.Get(req.RequestID)
		if !ok || r.ParticipantID != caller || r.Status != domain.RequestApproved || r.Kind != req.Kind {
			c.JSON(http.StatusForbidden, gin.H{"error": "approved share request required"})
			return
		}
	}
	sh, err := h.deps.Shares.StartShare(c.Request.Context(), req.StartOptions)
	if err != nil {
		fail(c, err)
		return
	}
	if req.RequestID != "" {
		h.deps.Approvals.Clear(req.RequestID)
	}
	c.JSON(http.StatusCreated, sh)
}

func (h *handlers) stopShare(c *gin.Context) {
	if err := h.deps.Shares.StopShare(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) stopAll(c *gin.Context) {
	if err := h.deps.Shares.StopAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) makePrimary(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Shares.MakePrimary(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"primary_id": id})
}

func (h *handlers) togglePause(c *gin.Context) {
	paused, err := h.deps.Shares.TogglePause(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

func (h *handlers) setResolution(c *gin.Context) {
	var res domain.Resolution
	if err := c.ShouldBindJSON(&res); err != nil || res.Width < 0 || res.Height < 0 || res.FrameRate < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution"})
		return
	}
	sh, err := h.deps.Shares.SetResolution(c.Request.Context(), c.Param("id"), res)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sh)
}

func (h *handlers) setMic(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := h.deps.Shares.ToggleMic(c.Request.Context(), *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *handlers) cameras(c *gin.Context) {
	if h.deps.Cameras == nil {
		c.JSON(http.StatusOK, gin.H{"cameras": []any{}})
		return
	}
	cams, err := h.deps.Cameras.DiscoverVirtualCameras(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cams})
}

func (h *handlers) canModerate(id string) bool {
	p, ok := h.deps.Shares.Store().Participant(id)
	return ok && p.Role.CanModerate()
}

func (h *handlers) moderatorOnly(c *gin.Context) {
	if !h.canModerate(callerID(c)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "moderator role required"})
		return
	}
	c.Next()
}

func (h *handlers) listParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": h.deps.Shares.Store().Participants()})
}

// upsertParticipant lets the first caller claim any role. Afterwards only
// moderators may grant roles; everyone else may edit their own entry
// without raising it.
func (h *handlers) upsertParticipant(c *gin.Context) {
	var p domain.Participant
	if err := c.ShouldBindJSON(&p); err != nil || !p.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant"})
		return
	}
	p.ID = c.Param("id")
	caller := callerID(c)
	st := h.deps.Shares.Store()

	bootstrap := len(st.Participants()) == 0 && p.ID == caller
	self := p.ID == caller && !p.Role.CanModerate()
	if !bootstrap && !self && !h.canModerate(caller) {
		c.JSON(http.StatusForbidden, gin.H{"error": "moderator role required"})
		return
	}
	st.UpsertParticipant(p)
	c.JSON(http.StatusOK, p)
}

func (h *handlers) requestShare(c *gin.Context) {
	var req struct {
		Kind domain.ShareKind `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.deps.Approvals.RequestShare(callerID(c), req.Kind)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "status": domain.RequestPending})
}

func (h *handlers) getRequest(c *gin.Context) {
	r, ok := h.deps.Approvals.Get(c.Param("id"))
	if !ok {
		fail(c, domain.ErrRequestNotFound)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) approve(c *gin.Context) { h.resolve(c, h.deps.Approvals.Approve) }
func (h *handlers) deny(c *gin.Context)    { h.resolve(c, h.deps.Approvals.Deny) }

func (h *handlers) resolve(c *gin.Context, fn func(string) (bool, error)) {
	id := c.Param("id")
	changed, err := fn(id)
	if err != nil {
		fail(c, err)
		return
	}
	r, _ := h.deps.Approvals.Get(id)
	c.JSON(http.StatusOK, gin.H{"changed": changed, "request": r})
}

func (h *handlers) clearRequest(c *gin.Context) {
	id := c.Param("id")
	r, ok := h.deps.Approvals.Get(id)
	if !ok {
		fail(c, domain.ErrRequestNotFound)
		return
	}
	if r.ParticipantID != callerID(c) && !h.canModerate(callerID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your request"})
		return
	}
	h.deps.Approvals.Clear(id)
	c.Status(http.StatusNoContent)
}

func (h *handlers) signaling(c *gin.Context) (Signaling, bool) {
	if h.deps.Signaling == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rtc disabled"})
		return nil, false
	}
	return h.deps.Signaling, true
}

func (h *handlers) offer(c *gin.Context) {
	sig, ok := h.signaling(c)
	if !ok {
		return
	}
	offer, err := sig.CreateOffer(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *handlers) answer(c *gin.Context) {
	sig, ok := h.signaling(c)
	if !ok {
		return
	}
	var answer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&answer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sig.ApplyAnswer(answer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) candidate(c *gin.Context) {
	sig, ok := h.signaling(c)
	if !ok {
		return
	}
	var ci webrtc.ICECandidateInit
	if err := c.ShouldBindJSON(&ci); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sig.AddICECandidate(ci); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
