// Package rest is the admin HTTP surface: moderation issued by backoffice
// tooling rather than by a connected chat user. Bans taken in here travel the
// same internal bus as everything else, with actor id "0" marking the admin.
package rest

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/types"
)

const adminActorID = "0"

// BanRequest is the ban info for one user in a POST /api/ban body.
type BanRequest struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
	AdminID  string `json:"admin_id"`
	Name     string `json:"name"` // base64
}

// Handler serves the admin resources.
type Handler struct {
	env *types.Env
	log *zap.Logger
}

func NewHandler(env *types.Env, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{env: env, log: log}
}

// Register mounts the admin resources on the router group.
func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("/ban", h.Ban)
	r.GET("/acl/:roomID", h.ACLsForRoom)
	r.POST("/rooms-for-users", h.RoomsForUsers)
	r.GET("/heartbeat", h.Heartbeat)
}

func fail(c *gin.Context, code int, format string, args ...any) {
	c.JSON(code, gin.H{"status": "FAIL", "message": fmt.Sprintf(format, args...)})
}

// Ban handles POST /api/ban. The body maps user id to ban info; every valid
// entry becomes a ban envelope on the internal bus. Validation failures on any
// entry fail the whole request before anything is published.
func (h *Handler) Ban(c *gin.Context) {
	var body map[string]BanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid json: %s", err.Error())
		return
	}
	if len(body) == 0 {
		fail(c, http.StatusBadRequest, "need a dict of user-ban keys")
		return
	}

	for userID, info := range body {
		if info.Type == "" {
			fail(c, http.StatusBadRequest, "missing target type for user id %s", userID)
			return
		}
		if info.Target == "" && info.Type != "global" {
			fail(c, http.StatusBadRequest, "missing target id for user id %s", userID)
			return
		}
		if info.Duration == "" {
			fail(c, http.StatusBadRequest, "missing ban duration for user id %s", userID)
			return
		}
		if _, err := activity.ParseBanDuration(info.Duration); err != nil {
			fail(c, http.StatusBadRequest, "invalid ban duration %q for user id %s", info.Duration, userID)
			return
		}
	}

	ctx := c.Request.Context()
	now := h.env.NowUTC()
	for userID, info := range body {
		bannerID := info.AdminID
		if bannerID == "" {
			bannerID = adminActorID
		}

		userName := userID
		if decoded, err := base64.StdEncoding.DecodeString(info.Name); err == nil && len(decoded) > 0 {
			userName = string(decoded)
		}

		act := (&activity.Activity{
			Actor: activity.Actor{ID: bannerID},
			Verb:  "ban",
			Object: activity.Object{
				ID:          userID,
				DisplayName: userName,
				Summary:     info.Duration,
				Content:     info.Reason,
			},
			Target: &activity.Target{ID: info.Target, ObjectType: info.Type},
		}).Stamp(now)

		if err := h.env.Bus.Publish(ctx, act); err != nil {
			h.log.Error("publishing admin ban failed",
				zap.String("user_id", userID), zap.Error(err))
			fail(c, http.StatusInternalServerError, "could not publish ban for user id %s", userID)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// ACLsForRoom handles GET /api/acl/:roomID. Expression values are base64
// encoded so arbitrary characters survive transport to the backoffice.
func (h *Handler) ACLsForRoom(c *gin.Context) {
	roomID := c.Param("roomID")

	rules, err := h.env.Store.ACLsForRoom(c.Request.Context(), roomID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "could not get acls for room %s", roomID)
		return
	}

	out := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		out = append(out, gin.H{
			"action":    rule.Action,
			"acl_type":  rule.Attribute,
			"acl_value": base64.StdEncoding.EncodeToString([]byte(rule.Expression)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "data": out})
}

// RoomsForUsers handles POST /api/rooms-for-users: {"users": [ids]} maps each
// user to the rooms they currently occupy. Names are base64 encoded.
func (h *Handler) RoomsForUsers(c *gin.Context) {
	var body struct {
		Users []string `json:"users"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid json: %s", err.Error())
		return
	}

	ctx := c.Request.Context()
	channelNames := make(map[string]string)
	output := make(map[string][]gin.H)

	for _, userID := range body.Users {
		rooms, err := h.env.Store.RoomsForUser(ctx, userID)
		if err != nil {
			h.log.Warn("resolving rooms failed", zap.String("user_id", userID), zap.Error(err))
			output[userID] = []gin.H{}
			continue
		}
		entries := make([]gin.H, 0, len(rooms))
		for _, room := range rooms {
			channelName, cached := channelNames[room.ChannelID]
			if !cached {
				channelName, _ = h.env.Store.ChannelName(ctx, room.ChannelID)
				channelNames[room.ChannelID] = channelName
			}
			entries = append(entries, gin.H{
				"room_id":      room.ID,
				"room_name":    base64.StdEncoding.EncodeToString([]byte(room.Name)),
				"channel_id":   room.ChannelID,
				"channel_name": base64.StdEncoding.EncodeToString([]byte(channelName)),
			})
		}
		output[userID] = entries
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK", "data": output})
}

// Heartbeat handles GET /api/heartbeat, a trivial liveness answer for load
// balancers that cannot probe /health.
func (h *Handler) Heartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
