// Package api is the action executor: it sits between the websocket transport
// and the core, runs every incoming envelope through the request validator and
// applies the verb's side effects. Moderation verbs are not executed here,
// they are published on the internal bus so the dispatcher runs them with
// cluster-wide deduplication.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/metrics"
	"github.com/labrook/dino/internal/v1/transport"
	"github.com/labrook/dino/internal/v1/types"
	"github.com/labrook/dino/internal/v1/validation"
)

// Events broadcast to rooms by the executor.
const (
	EventMessage        = "message"
	EventUserJoined     = "gn_user_joined"
	EventUserLeft       = "gn_user_left"
	EventMessageDeleted = "gn_message_deleted"
)

// RoomJoiner is the one transport capability beyond the Broadcaster port the
// executor needs.
type RoomJoiner interface {
	JoinRoom(namespace, sid, room string)
}

// Response is the reply frame written back on the requesting connection.
type Response struct {
	ID         string `json:"id"`
	Verb       string `json:"verb"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// Executor handles validated requests. It implements transport.RequestHandler.
type Executor struct {
	env       *types.Env
	validator *validation.Validator
	joiner    RoomJoiner
	log       *zap.Logger
}

var _ transport.RequestHandler = (*Executor)(nil)

func New(env *types.Env, validator *validation.Validator, joiner RoomJoiner, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{env: env, validator: validator, joiner: joiner, log: log}
}

// HandleRequest validates the envelope and applies its side effects. The
// returned frame is written back to the requesting client only.
func (e *Executor) HandleRequest(ctx context.Context, c transport.Session, act *activity.Activity) []byte {
	timer := prometheus.NewTimer(metrics.MessageProcessingDuration.WithLabelValues(act.Verb))
	defer timer.ObserveDuration()

	res := e.validator.Validate(ctx, act)
	metrics.RecordValidation(act.Verb, res.OK)
	if !res.OK {
		return marshalResponse(Response{ID: act.ID, Verb: act.Verb, StatusCode: res.Code, Error: res.Reason})
	}

	data, err := e.execute(ctx, c, act)
	if err != nil {
		e.log.Error("executing verb failed",
			zap.String("verb", act.Verb), zap.String("user_id", act.Actor.ID), zap.Error(err))
		return marshalResponse(Response{ID: act.ID, Verb: act.Verb, StatusCode: 500, Error: err.Error()})
	}
	return marshalResponse(Response{ID: act.ID, Verb: act.Verb, StatusCode: 200, Data: data})
}

// HandleDisconnect tears down the connection's presence: the user leaves every
// room they were in, goes offline unless invisible, and a disconnect event is
// published for analytics.
func (e *Executor) HandleDisconnect(ctx context.Context, c transport.Session) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	now := e.env.NowUTC()

	rooms, err := e.env.Store.RoomsForUser(ctx, userID)
	if err != nil {
		e.log.Warn("resolving rooms on disconnect failed", zap.String("user_id", userID), zap.Error(err))
	}
	for _, room := range rooms {
		if err := e.env.Store.LeaveRoom(ctx, userID, room.ID); err != nil {
			e.log.Warn("leaving room on disconnect failed",
				zap.String("user_id", userID), zap.String("room_id", room.ID), zap.Error(err))
			continue
		}
		e.broadcastLeft(c, userID, room.ID, room.Name, now)
	}

	status, err := e.env.Store.UserStatus(ctx, userID)
	if err == nil && status != types.StatusInvisible {
		if err := e.env.Store.SetUserStatus(ctx, userID, types.StatusOffline); err != nil {
			e.log.Warn("setting user offline failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	userName, _ := e.env.Store.UserName(ctx, userID)
	if err := e.env.Bus.PublishExternal(ctx, activity.ForDisconnect(userID, userName, now)); err != nil {
		e.log.Warn("publishing disconnect failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (e *Executor) execute(ctx context.Context, c transport.Session, act *activity.Activity) (any, error) {
	switch act.Verb {
	case "login":
		return e.doLogin(ctx, c, act)
	case "join":
		return e.doJoin(ctx, c, act)
	case "leave":
		return nil, e.doLeave(ctx, c, act)
	case "message":
		return nil, e.doMessage(ctx, act)
	case "delete":
		return nil, e.doDelete(ctx, c, act)
	case "ban", "kick":
		// Moderation runs through the dispatcher on every node.
		return nil, e.env.Bus.Publish(ctx, act)
	case "set_acl":
		return nil, e.doSetACL(ctx, act)
	case "get_acl":
		return e.doGetACL(ctx, act)
	case "create":
		return e.doCreate(ctx, act)
	case "list_channels":
		return e.env.Store.Channels(ctx)
	case "list_rooms":
		return e.env.Store.RoomsForChannel(ctx, act.Object.URL)
	case "users_in_room":
		roomID, _ := act.TargetID()
		return e.env.Store.UsersInRoom(ctx, roomID)
	case "history":
		roomID, _ := act.TargetID()
		return e.env.Store.MessagesForRoom(ctx, roomID, 100)
	case "status":
		return nil, e.env.Store.SetUserStatus(ctx, act.Actor.ID, act.Object.Content)
	default:
		// The validator rejects unknown verbs before we get here.
		return nil, nil
	}
}

// doLogin runs after the validator has checked the token and persisted the
// session: register the sid, create the user row, join the private rooms,
// set the user online unless previously invisible, publish the login event.
func (e *Executor) doLogin(ctx context.Context, c transport.Session, act *activity.Activity) (any, error) {
	userID := act.Actor.ID
	now := e.env.NowUTC()

	if err := e.env.Sessions.SetSIDForUser(ctx, userID, c.SID()); err != nil {
		return nil, err
	}

	userName, _, err := e.env.Sessions.Get(ctx, userID, types.SessionUserName)
	if err != nil {
		return nil, err
	}
	if err := e.env.Store.CreateOrUpdateUser(ctx, types.User{ID: userID, Name: userName}); err != nil {
		return nil, err
	}

	// The user id doubles as a private room so other nodes can address this
	// user without knowing the sid.
	e.joiner.JoinRoom(c.Namespace(), c.SID(), userID)

	status, err := e.env.Store.UserStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status != types.StatusInvisible {
		if err := e.env.Store.SetUserStatus(ctx, userID, types.StatusOnline); err != nil {
			return nil, err
		}
	}

	if err := e.env.Bus.PublishExternal(ctx, activity.ForLogin(userID, userName, now)); err != nil {
		e.log.Warn("publishing login failed", zap.String("user_id", userID), zap.Error(err))
	}
	return map[string]string{"user_id": userID, "sid": c.SID()}, nil
}

func (e *Executor) doJoin(ctx context.Context, c transport.Session, act *activity.Activity) (any, error) {
	roomID, _ := act.TargetID()
	userID := act.Actor.ID

	if err := e.env.Store.JoinRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	e.joiner.JoinRoom(c.Namespace(), c.SID(), roomID)

	payload, err := act.Marshal()
	if err == nil {
		e.env.Broadcast.Emit(EventUserJoined, c.Namespace(), roomID, payload)
	}
	return e.env.Store.UsersInRoom(ctx, roomID)
}

func (e *Executor) doLeave(ctx context.Context, c transport.Session, act *activity.Activity) error {
	roomID, _ := act.TargetID()
	userID := act.Actor.ID

	if err := e.env.Store.LeaveRoom(ctx, userID, roomID); err != nil {
		return err
	}
	e.env.Broadcast.LeaveRoom(c.Namespace(), c.SID(), roomID)

	roomName, _ := e.env.Store.RoomName(ctx, roomID)
	e.broadcastLeft(c, userID, roomID, roomName, e.env.NowUTC())
	return nil
}

func (e *Executor) broadcastLeft(c transport.Session, userID, roomID, roomName string, now time.Time) {
	userName, _ := e.env.Store.UserName(context.Background(), userID)
	left := (&activity.Activity{
		Actor:  activity.Actor{ID: userID, DisplayName: userName},
		Verb:   "leave",
		Target: &activity.Target{ID: roomID, DisplayName: roomName},
	}).Stamp(now)
	if payload, err := left.Marshal(); err == nil {
		e.env.Broadcast.Emit(EventUserLeft, c.Namespace(), roomID, payload)
	}
}

func (e *Executor) doMessage(ctx context.Context, act *activity.Activity) error {
	roomID, _ := act.TargetID()
	now := e.env.NowUTC()

	if act.ID == "" {
		act.ID = activity.NewID()
	}
	if err := e.env.Store.StoreMessage(ctx, act.ID, act.Actor.ID, roomID, act.Object.Content, now); err != nil {
		return err
	}

	if payload, err := act.Marshal(); err == nil {
		e.env.Broadcast.Emit(EventMessage, e.env.DefaultNamespace(), roomID, payload)
	}
	if err := e.env.Bus.PublishExternal(ctx, act); err != nil {
		e.log.Warn("publishing message failed", zap.String("message_id", act.ID), zap.Error(err))
	}
	return nil
}

func (e *Executor) doDelete(ctx context.Context, c transport.Session, act *activity.Activity) error {
	if err := e.env.Store.DeleteMessage(ctx, act.Object.ID); err != nil {
		return err
	}
	roomID, _ := act.TargetID()
	if payload, err := act.Marshal(); err == nil {
		e.env.Broadcast.Emit(EventMessageDeleted, c.Namespace(), roomID, payload)
	}
	return nil
}

// doSetACL applies the already-vetted attachments: objectType names the
// attribute, summary the gated action, content the expression. An empty
// content removes the rule.
func (e *Executor) doSetACL(ctx context.Context, act *activity.Activity) error {
	roomID, _ := act.TargetID()
	for _, att := range act.Object.Attachments {
		action := att.Summary
		if action == "" {
			action = "join"
		}
		if att.Content == "" {
			if err := e.env.Store.DeleteRoomACL(ctx, roomID, action, att.ObjectType); err != nil {
				return err
			}
			continue
		}
		rule := types.ACLRule{
			ScopeID:    roomID,
			Action:     action,
			Attribute:  att.ObjectType,
			Expression: att.Content,
		}
		if err := e.env.Store.SetRoomACL(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) doGetACL(ctx context.Context, act *activity.Activity) (any, error) {
	roomID, _ := act.TargetID()
	return e.env.Store.ACLsForRoom(ctx, roomID)
}

func (e *Executor) doCreate(ctx context.Context, act *activity.Activity) (any, error) {
	room := types.Room{
		ID:        activity.NewID(),
		Name:      act.Target.DisplayName,
		ChannelID: act.Object.URL,
	}
	if err := e.env.Store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	if err := e.env.Store.JoinRoom(ctx, act.Actor.ID, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

func marshalResponse(r Response) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"status_code":500,"error":"could not marshal response"}`)
	}
	return data
}
