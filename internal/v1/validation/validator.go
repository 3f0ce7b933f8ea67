// Package validation implements the per-verb request validator: a static verb
// table mapping each client verb to a contract check that runs before any
// side effects. Handlers return (ok, code, reason) and never mutate state,
// with the single exception of login, which establishes the session.
package validation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/acl"
	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/types"
)

// Result of validating one request.
type Result struct {
	OK     bool
	Code   int
	Reason string
}

func ok() Result { return Result{OK: true} }

func reject(format string, args ...any) Result {
	return Result{Code: 400, Reason: fmt.Sprintf(format, args...)}
}

// Verbs that may be used without a validated token in the session.
var tokenExempt = map[string]struct{}{
	"login":         {},
	"leave":         {},
	"get_acl":       {},
	"list_channels": {},
	"list_rooms":    {},
	"users_in_room": {},
}

type handler func(ctx context.Context, act *activity.Activity) Result

// Validator dispatches on activity verb. Construct with New; the verb table
// is fixed at construction.
type Validator struct {
	env    *types.Env
	engine *acl.Engine
	log    *zap.Logger

	handlers map[string]handler
}

func New(env *types.Env, engine *acl.Engine, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	v := &Validator{env: env, engine: engine, log: log}
	v.handlers = map[string]handler{
		"message":       v.onMessage,
		"delete":        v.onDelete,
		"login":         v.onLogin,
		"ban":           v.onBan,
		"kick":          v.onKick,
		"set_acl":       v.onSetACL,
		"join":          v.onJoin,
		"leave":         v.onLeave,
		"list_channels": v.onListChannels,
		"list_rooms":    v.onListRooms,
		"users_in_room": v.onUsersInRoom,
		"history":       v.onHistory,
		"status":        v.onStatus,
		"get_acl":       v.onGetACL,
		"create":        v.onCreate,
	}
	return v
}

// Validate runs the token gate and the verb's contract check.
func (v *Validator) Validate(ctx context.Context, act *activity.Activity) Result {
	h, known := v.handlers[act.Verb]
	if !known {
		return reject("unknown verb %q", act.Verb)
	}

	if _, exempt := tokenExempt[act.Verb]; !exempt {
		token, found, err := v.env.Sessions.Get(ctx, act.Actor.ID, types.SessionToken)
		if err != nil {
			v.log.Warn("session lookup failed", zap.String("user_id", act.Actor.ID), zap.Error(err))
			return reject("could not read session")
		}
		if !found || token == "" {
			return reject("verb %q requires a validated session", act.Verb)
		}
	}
	return h(ctx, act)
}

// session returns an acl.SessionGetter over the user's stored session.
func (v *Validator) session(ctx context.Context, userID string) (acl.SessionGetter, error) {
	attrs, err := v.env.Sessions.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	return acl.MapSession(attrs), nil
}

// bannedFor returns the longest remaining ban duration in seconds that
// applies to the user in the given room ("" checks global bans only).
func (v *Validator) bannedFor(ctx context.Context, userID, roomID string) (int64, error) {
	bans, err := v.env.Store.BansForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var channelID string
	if roomID != "" {
		channelID, _ = v.env.Store.ChannelForRoom(ctx, roomID)
	}

	now := v.env.NowUTC()
	var longest int64
	for _, ban := range bans {
		applies := false
		switch ban.Scope {
		case types.ScopeGlobal:
			applies = true
		case types.ScopeRoom:
			applies = roomID != "" && ban.ScopeID == roomID
		case types.ScopeChannel:
			applies = channelID != "" && ban.ScopeID == channelID
		}
		if !applies {
			continue
		}
		if left := ban.Remaining(now); left > longest {
			longest = left
		}
	}
	return longest, nil
}

func (v *Validator) checkACLs(ctx context.Context, act *activity.Activity, action, roomID string) Result {
	rules, err := v.env.Store.ACLsForRoomAction(ctx, roomID, action)
	if err != nil {
		v.log.Warn("acl lookup failed", zap.String("room_id", roomID), zap.Error(err))
		return reject("could not read acls for room %s", roomID)
	}
	session, err := v.session(ctx, act.Actor.ID)
	if err != nil {
		return reject("could not read session")
	}

	engineRules := make([]acl.Rule, 0, len(rules))
	for _, r := range rules {
		engineRules = append(engineRules, acl.Rule{Attribute: r.Attribute, Expression: r.Expression})
	}
	if passed, reason := v.engine.Authorize(ctx, act, action, engineRules, session); !passed {
		return reject("%s", reason)
	}
	return ok()
}

func (v *Validator) onMessage(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	if roomID == "" {
		return reject("no room id specified when sending message")
	}

	if act.Target != nil && act.Target.ObjectType == "group" {
		channelID := act.Object.URL
		if channelID == "" {
			return reject("no channel id specified when sending message")
		}
		if exists, err := v.env.Store.ChannelExists(ctx, channelID); err != nil || !exists {
			return reject("channel %s does not exist", channelID)
		}
		if exists, err := v.env.Store.RoomExists(ctx, channelID, roomID); err != nil || !exists {
			return reject("target room %s does not exist", roomID)
		}

		fromRoomID := act.Actor.URL
		if fromRoomID != "" && fromRoomID != roomID {
			if exists, err := v.env.Store.RoomExists(ctx, channelID, fromRoomID); err != nil || !exists {
				return reject("origin room %s does not exist", fromRoomID)
			}
		}

		inRoom, err := v.env.Store.IsUserInRoom(ctx, act.Actor.ID, roomID)
		if err != nil {
			return reject("could not check room membership")
		}
		if !inRoom {
			if res := v.checkACLs(ctx, act, "crossroom", roomID); !res.OK {
				return reject("user not allowed to send cross-room msg from %s to %s", fromRoomID, roomID)
			}
		}
	}
	return ok()
}

func (v *Validator) onDelete(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	userID := act.Actor.ID

	allowed := false
	for _, check := range []func() (bool, error){
		func() (bool, error) { return v.env.Store.IsAdmin(ctx, userID) },
		func() (bool, error) { return v.env.Store.IsSuperUser(ctx, userID) },
		func() (bool, error) { return v.env.Store.IsOwner(ctx, roomID, userID) },
		func() (bool, error) { return v.env.Store.IsModerator(ctx, roomID, userID) },
	} {
		if pass, err := check(); err == nil && pass {
			allowed = true
			break
		}
	}
	if !allowed {
		return reject("not allowed to remove message in room %s", roomID)
	}
	return ok()
}

func (v *Validator) onLogin(ctx context.Context, act *activity.Activity) Result {
	userID := act.Actor.ID

	duration, err := v.bannedFor(ctx, userID, "")
	if err != nil {
		return reject("could not check bans")
	}
	if duration > 0 {
		return reject("user is banned from chatting for: %ds", duration)
	}

	attrs := make(map[string]string)
	for _, att := range act.Actor.Attachments {
		if att.ObjectType != "" {
			attrs[att.ObjectType] = att.Content
		}
	}

	token := attrs[types.SessionToken]
	if token == "" {
		return reject("no token in session")
	}

	authed, err := v.env.Auth.ValidateLogin(ctx, userID, token)
	if err != nil {
		return reject("%s", err.Error())
	}
	for k, val := range authed {
		attrs[k] = val
	}
	attrs[types.SessionUserID] = userID

	if err := v.env.Sessions.SetAll(ctx, userID, attrs); err != nil {
		v.log.Error("persisting session failed", zap.String("user_id", userID), zap.Error(err))
		return reject("could not persist session")
	}
	return ok()
}

func (v *Validator) onBan(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	channelID := act.Object.URL
	userID := act.Actor.ID
	bannedID := strings.TrimSpace(act.Object.ID)

	if bannedID == "" {
		return reject("got blank user id, can not ban")
	}

	isGlobal := roomID == ""
	if !isGlobal {
		if exists, err := v.env.Store.RoomExists(ctx, channelID, roomID); err != nil || !exists {
			return reject("no room with id %q exists", roomID)
		}
		if owner, err := v.env.Store.IsOwner(ctx, roomID, userID); err != nil || !owner {
			return reject("only owners can ban")
		}
	} else if admin, err := v.env.Store.IsAdmin(ctx, userID); err != nil || !admin {
		return reject("only admins can do global bans")
	}
	return ok()
}

func (v *Validator) onKick(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	channelID := strings.TrimSpace(act.Object.URL)
	kickerID := act.Actor.ID

	if channelID == "" {
		return reject("got blank channel id, can not kick")
	}
	if strings.TrimSpace(roomID) == "" {
		return reject("got blank room id, can not kick")
	}
	if act.Target == nil || strings.TrimSpace(act.Target.DisplayName) == "" {
		return reject("got blank user id, can not kick")
	}

	if exists, err := v.env.Store.RoomExists(ctx, channelID, roomID); err != nil || !exists {
		return reject("no room with id %q exists", roomID)
	}

	for _, check := range []func() (bool, error){
		func() (bool, error) { return v.env.Store.IsOwner(ctx, roomID, kickerID) },
		func() (bool, error) { return v.env.Store.IsOwnerChannel(ctx, channelID, kickerID) },
		func() (bool, error) { return v.env.Store.IsModerator(ctx, roomID, kickerID) },
		func() (bool, error) { return v.env.Store.IsAdmin(ctx, kickerID) },
	} {
		if pass, err := check(); err == nil && pass {
			return ok()
		}
	}
	return reject("only owners/admins/moderators can kick")
}

func (v *Validator) onSetACL(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	userID := act.Actor.ID

	if owner, err := v.env.Store.IsOwner(ctx, roomID, userID); err != nil || !owner {
		return reject("user not an owner of room")
	}

	// Vet every attachment before anything is stored. Empty content is the
	// delete form and carries no value to validate.
	cfg := v.engine.Config()
	for _, att := range act.Object.Attachments {
		if !cfg.IsAvailable(att.ObjectType) {
			return reject("invalid acl type %q", att.ObjectType)
		}
		if att.Content == "" {
			continue
		}
		vdtr, _ := cfg.ValidatorFor(att.ObjectType)
		if err := vdtr.ValidateNewACL(att.Content); err != nil {
			return reject("invalid acl value %q for type %q", att.Content, att.ObjectType)
		}
	}
	return ok()
}

func (v *Validator) onJoin(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	if res := v.checkACLs(ctx, act, "join", roomID); !res.OK {
		return res
	}

	duration, err := v.bannedFor(ctx, act.Actor.ID, roomID)
	if err != nil {
		return reject("could not check bans")
	}
	if duration > 0 {
		return reject("user is banned from joining room for: %ds", duration)
	}
	return ok()
}

func (v *Validator) onLeave(_ context.Context, act *activity.Activity) Result {
	if _, found := act.TargetID(); !found {
		return reject("room_id is None when trying to leave room")
	}
	return ok()
}

func (v *Validator) onListChannels(context.Context, *activity.Activity) Result { return ok() }

func (v *Validator) onListRooms(_ context.Context, act *activity.Activity) Result {
	if act.Object.URL == "" {
		return reject("need channel ID to list rooms")
	}
	return ok()
}

func (v *Validator) onUsersInRoom(context.Context, *activity.Activity) Result { return ok() }

func (v *Validator) onHistory(ctx context.Context, act *activity.Activity) Result {
	roomID, _ := act.TargetID()
	if strings.TrimSpace(roomID) == "" {
		return reject("invalid target id")
	}
	return v.checkACLs(ctx, act, "history", roomID)
}

func (v *Validator) onStatus(ctx context.Context, act *activity.Activity) Result {
	userName, found, err := v.env.Sessions.Get(ctx, act.Actor.ID, types.SessionUserName)
	if err != nil || !found || userName == "" {
		return reject("no user name in session")
	}

	switch status := act.Object.Content; status {
	case types.StatusOnline, types.StatusOffline, types.StatusInvisible:
		return ok()
	default:
		return reject("invalid status %s", status)
	}
}

func (v *Validator) onGetACL(context.Context, *activity.Activity) Result { return ok() }

func (v *Validator) onCreate(ctx context.Context, act *activity.Activity) Result {
	channelID := act.Object.URL
	var roomName string
	if act.Target != nil {
		roomName = strings.TrimSpace(act.Target.DisplayName)
	}

	if roomName == "" {
		return reject("got blank room name, can not create")
	}
	if exists, err := v.env.Store.ChannelExists(ctx, channelID); err != nil || !exists {
		return reject("channel does not exist")
	}
	if taken, err := v.env.Store.RoomNameExists(ctx, channelID, roomName); err != nil || taken {
		return reject("a room with that name already exists")
	}
	return ok()
}
