// Package dispatch implements the cluster-wide moderation coordinator. Every
// node subscribes to the internal bus and feeds each received envelope to its
// dispatcher; bounded deduplication windows make sure each event is applied at
// most once per node, and ban events are delegated back onto the bus when the
// target user's connection lives on another node.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/metrics"
	"github.com/labrook/dino/internal/v1/types"
)

// windowCapacity bounds both deduplication windows.
const windowCapacity = 100

// Broadcast event names emitted to connected clients.
const (
	EventUserBanned  = "gn_user_banned"
	EventUserKicked  = "gn_user_kicked"
	EventBanned      = "gn_banned"
	EventRoomRemoved = "gn_room_removed"
)

// adminActorID marks moderation issued through the admin REST surface, where
// the acting user does not exist in the user table.
const adminActorID = "0"

// Dispatcher applies ban, kick and remove events on the local node. All other
// verbs arriving from the internal bus are forwarded to the external bus for
// analytics.
type Dispatcher struct {
	env *types.Env
	log *zap.Logger

	mu        sync.Mutex
	delegated *window
	handled   *window
}

func New(env *types.Env, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		env:       env,
		log:       log,
		delegated: newWindow(windowCapacity),
		handled:   newWindow(windowCapacity),
	}
}

// HandleServerActivity is the bus ingress. Failures never propagate to the
// bus subscription; everything except ban persistence is logged and absorbed.
func (d *Dispatcher) HandleServerActivity(ctx context.Context, act *activity.Activity) {
	d.mu.Lock()
	if d.delegated.Contains(act.ID) {
		d.mu.Unlock()
		d.log.Info("ignoring event delegated from this node", zap.String("activity_id", act.ID))
		metrics.RecordDedup("delegated")
		return
	}
	if d.handled.Contains(act.ID) {
		d.mu.Unlock()
		d.log.Info("ignoring event already handled on this node", zap.String("activity_id", act.ID))
		metrics.RecordDedup("handled")
		return
	}
	d.handled.Add(act.ID)
	d.mu.Unlock()

	d.log.Debug("got internally published event",
		zap.String("verb", act.Verb), zap.String("activity_id", act.ID))

	switch act.Verb {
	case "ban":
		if err := d.dispatchBan(ctx, act); err != nil {
			// Forget the event so a redelivered copy can retry the ban.
			d.mu.Lock()
			d.handled.Remove(act.ID)
			d.mu.Unlock()
			d.log.Error("could not handle ban", zap.String("activity_id", act.ID), zap.Error(err))
			metrics.RecordDispatch("ban", "error")
			return
		}
		metrics.RecordDispatch("ban", "ok")
	case "kick":
		if err := d.handleKick(ctx, act); err != nil {
			d.log.Error("could not handle kick", zap.String("activity_id", act.ID), zap.Error(err))
			metrics.RecordDispatch("kick", "error")
			return
		}
		metrics.RecordDispatch("kick", "ok")
	case "remove":
		d.handleRemove(act)
		metrics.RecordDispatch("remove", "ok")
	default:
		// External events for possible analysis downstream.
		if err := d.env.Bus.PublishExternal(ctx, act); err != nil {
			d.log.Error("could not forward event to external bus",
				zap.String("verb", act.Verb), zap.Error(err))
		}
	}
}

// dispatchBan persists the ban, forwards it to the external bus and, when the
// banned user is connected to this node, applies the online side effects. When
// the user is on another node the event is republished for that node to apply,
// but the ban row is still written here: bans can arrive through the admin
// REST surface for users that are not connected anywhere.
func (d *Dispatcher) dispatchBan(ctx context.Context, act *activity.Activity) error {
	onNode := d.userIsOnThisNode(ctx, act)
	if !onNode {
		d.log.Info("user is not on this node, delegating to other nodes",
			zap.String("user_id", act.Object.ID), zap.String("activity_id", act.ID))
		d.mu.Lock()
		d.delegated.Add(act.ID)
		d.mu.Unlock()
		metrics.DelegatedEvents.Inc()
		if err := d.env.Bus.Publish(ctx, act); err != nil {
			d.log.Error("could not delegate ban", zap.String("activity_id", act.ID), zap.Error(err))
		}
	}

	if err := d.persistBan(ctx, act); err != nil {
		return err
	}

	if !onNode {
		return nil
	}
	return d.handleBan(ctx, act)
}

// userIsOnThisNode reports whether the target user's sid is registered with
// the local broadcast transport, scoped to the target room when one is named.
func (d *Dispatcher) userIsOnThisNode(ctx context.Context, act *activity.Activity) bool {
	namespace := act.Namespace()
	userID := act.Object.ID

	sid, found, err := d.env.Sessions.SIDForUser(ctx, userID)
	if err != nil || !found || sid == "" {
		return false
	}

	roomID, hasRoom := act.TargetID()
	if !hasRoom {
		return d.env.Broadcast.HasSID(namespace, sid)
	}
	for _, other := range d.env.Broadcast.SIDsInRoom(namespace, roomID) {
		if other == sid {
			return true
		}
	}
	return false
}

// persistBan writes the ban row before any propagation, so a user that is not
// currently connected is still banned on reconnect, then hands the normalized
// event to the external bus.
func (d *Dispatcher) persistBan(ctx context.Context, act *activity.Activity) error {
	bannedID := act.Object.ID
	duration := act.Object.Summary
	now := d.env.NowUTC()

	until, err := activity.BanDurationToTimestamp(duration, now)
	if err != nil {
		return fmt.Errorf("bad ban duration %q: %w", duration, err)
	}
	act.Object.Updated, _ = activity.BanDurationToDatetime(duration, now)

	var targetType string
	ban := types.Ban{
		BannedID:  bannedID,
		Until:     until,
		Duration:  duration,
		BannerID:  act.Actor.ID,
		CreatedAt: now,
	}
	if reason, ok := act.Reason(); ok {
		ban.Reason = reason
	}
	if act.Target != nil {
		targetType = act.Target.ObjectType
	}
	ban.Scope = types.ScopeFromTargetType(targetType)

	switch ban.Scope {
	case types.ScopeRoom:
		ban.ScopeID, _ = act.TargetID()
		d.log.Info("banning user in room",
			zap.String("user_id", bannedID), zap.String("room_id", ban.ScopeID),
			zap.String("duration", duration))
		err = d.env.Store.BanUserRoom(ctx, ban)
	case types.ScopeChannel:
		ban.ScopeID, _ = act.TargetID()
		d.log.Info("banning user in channel",
			zap.String("user_id", bannedID), zap.String("channel_id", ban.ScopeID),
			zap.String("duration", duration))
		err = d.env.Store.BanUserChannel(ctx, ban)
	default:
		d.log.Info("banning user globally",
			zap.String("user_id", bannedID), zap.String("duration", duration))
		err = d.env.Store.BanUserGlobal(ctx, ban)
	}
	if err != nil {
		return fmt.Errorf("persist ban for %s: %w", bannedID, err)
	}

	normalized := activity.NormalizedBan(act, string(ban.Scope), now)
	if err := d.env.Bus.PublishExternal(ctx, normalized); err != nil {
		d.log.Error("could not publish ban to external bus",
			zap.String("activity_id", act.ID), zap.Error(err))
	}
	return nil
}

// handleBan applies the online side effects of a ban on this node: broadcast
// to every affected room, kick the user out of each, purge their messages and
// finally tell the victim directly.
func (d *Dispatcher) handleBan(ctx context.Context, act *activity.Activity) error {
	bannerID := act.Actor.ID
	bannerName := act.Actor.DisplayName
	if bannerID == adminActorID {
		bannerName = "admin"
	} else if bannerName == "" {
		name, err := d.env.Store.UserName(ctx, bannerID)
		if err != nil {
			return fmt.Errorf("no such user when banning: %s", bannerID)
		}
		bannerName = name
	}

	bannedID := act.Object.ID
	bannedName, err := d.env.Store.UserName(ctx, bannedID)
	if err != nil {
		bannedName = act.Object.DisplayName
	}

	sid, found, err := d.env.Sessions.SIDForUser(ctx, bannedID)
	if err != nil || !found || sid == "" {
		d.log.Warn("no sid found for banned user", zap.String("user_id", bannedID))
		return nil
	}

	namespace := act.Namespace()
	var targetType, targetID, targetName string
	if act.Target != nil {
		targetType = act.Target.ObjectType
	}
	switch targetType {
	case "room":
		targetID, _ = act.TargetID()
		targetName, _ = d.env.Store.RoomName(ctx, targetID)
	case "channel":
		targetID, _ = act.TargetID()
		targetName, _ = d.env.Store.ChannelName(ctx, targetID)
	}

	reason, _ := act.Reason()
	now := d.env.NowUTC()
	banned := activity.ForUserBanned(bannerID, bannerName, bannedID, bannedName, targetID, targetName, reason, now)
	payload, err := banned.Marshal()
	if err != nil {
		return err
	}

	switch {
	case targetID == "":
		rooms, err := d.env.Store.RoomsForUser(ctx, bannedID)
		if err != nil {
			return fmt.Errorf("rooms for user %s: %w", bannedID, err)
		}
		if len(rooms) == 0 {
			d.log.Warn("no rooms to ban globally for", zap.String("user_id", bannedID))
		}
		for _, room := range rooms {
			d.env.Broadcast.Emit(EventUserBanned, namespace, room.ID, payload)
			d.kick(ctx, act, room.ID, bannedID, sid, namespace, payload)
		}
		if err := d.env.Store.SetUserStatus(ctx, bannedID, types.StatusOffline); err != nil {
			d.log.Error("could not set user offline", zap.String("user_id", bannedID), zap.Error(err))
		}
		disconnect := activity.ForDisconnect(bannedID, bannedName, now)
		if err := d.env.Bus.PublishExternal(ctx, disconnect); err != nil {
			d.log.Error("could not publish disconnect event", zap.Error(err))
		}

	case targetType == "channel":
		rooms, err := d.env.Store.RoomsForChannel(ctx, targetID)
		if err != nil {
			return fmt.Errorf("rooms for channel %s: %w", targetID, err)
		}
		if bannerID != adminActorID {
			d.env.Broadcast.Emit(EventUserBanned, namespace, bannerID, payload)
		}
		for _, room := range rooms {
			d.env.Broadcast.Emit(EventUserBanned, namespace, room.ID, payload)
			d.kick(ctx, act, room.ID, bannedID, sid, namespace, payload)
		}

	default:
		d.env.Broadcast.Emit(EventUserBanned, namespace, targetID, payload)
		if bannerID != adminActorID {
			d.env.Broadcast.Emit(EventUserBanned, namespace, bannerID, payload)
		}
		d.kick(ctx, act, targetID, bannedID, sid, namespace, payload)
	}

	// Tell the victim directly; their sid doubles as a private room.
	direct := activity.NormalizedBan(act, string(types.ScopeFromTargetType(targetType)), now)
	directPayload, err := direct.Marshal()
	if err != nil {
		return err
	}
	d.env.Broadcast.Emit(EventBanned, namespace, sid, directPayload)
	return nil
}

// handleKick resolves names and sids for a kick event and applies it to the
// named room, or to every room the user is in when the event carries none.
func (d *Dispatcher) handleKick(ctx context.Context, act *activity.Activity) error {
	kickerID := act.Actor.ID
	kickerName := act.Actor.DisplayName
	if kickerID == adminActorID {
		kickerName = "admin"
	} else if kickerName == "" {
		name, err := d.env.Store.UserName(ctx, kickerID)
		if err != nil {
			return fmt.Errorf("no such user when kicking: %s", kickerID)
		}
		kickerName = name
	}

	kickedID := act.Object.ID
	kickedName := act.Object.DisplayName
	if kickedName == "" {
		kickedName, _ = d.env.Store.UserName(ctx, kickedID)
	}

	sid, found, err := d.env.Sessions.SIDForUser(ctx, kickedID)
	if err != nil || !found || sid == "" {
		d.log.Warn("no sid found for kicked user", zap.String("user_id", kickedID))
		return nil
	}

	namespace := act.Namespace()
	roomID, hasRoom := act.TargetID()
	roomName := ""
	if hasRoom {
		roomName, _ = d.env.Store.RoomName(ctx, roomID)
	} else if act.Target != nil {
		roomName = act.Target.DisplayName
	}

	reason, _ := act.Reason()
	now := d.env.NowUTC()
	kicked := activity.ForUserKicked(kickerID, kickerName, kickedID, kickedName, roomID, roomName, reason, now)
	payload, err := kicked.Marshal()
	if err != nil {
		return err
	}

	if !hasRoom {
		// User just got banned globally, kick from all rooms.
		rooms, err := d.env.Store.RoomsForUser(ctx, kickedID)
		if err != nil {
			return fmt.Errorf("rooms for user %s: %w", kickedID, err)
		}
		for _, room := range rooms {
			d.kick(ctx, act, room.ID, kickedID, sid, namespace, payload)
		}
		return nil
	}
	d.kick(ctx, act, roomID, kickedID, sid, namespace, payload)
	return nil
}

// kick broadcasts the kick to the room, forwards it externally, detaches the
// user's connection from the room and purges their messages there.
func (d *Dispatcher) kick(ctx context.Context, act *activity.Activity, roomID, userID, sid, namespace string, payload []byte) {
	d.env.Broadcast.Emit(EventUserKicked, namespace, roomID, payload)

	normalized := activity.NormalizedKick(act, d.env.NowUTC())
	if err := d.env.Bus.PublishExternal(ctx, normalized); err != nil {
		d.log.Error("could not publish kick to external bus", zap.Error(err))
	}

	inRoom := false
	for _, other := range d.env.Broadcast.SIDsInRoom(namespace, roomID) {
		if other == sid {
			inRoom = true
			break
		}
	}
	if inRoom {
		d.log.Info("kicking user", zap.String("user_id", userID), zap.String("room_id", roomID))
		d.env.Broadcast.LeaveRoom(namespace, sid, roomID)
		if err := d.env.Store.LeaveRoom(ctx, userID, roomID); err != nil {
			d.log.Warn("could not remove user from room in db",
				zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		}
	}

	d.deleteForUserInRoom(ctx, userID, roomID)
}

// deleteForUserInRoom purges the user's undeleted messages in the room.
// Failures are logged per message and never abort the moderation flow.
func (d *Dispatcher) deleteForUserInRoom(ctx context.Context, userID, roomID string) {
	ids, err := d.env.Store.UndeletedMessageIDsForUser(ctx, userID, roomID)
	if err != nil {
		d.log.Error("could not get undeleted messages",
			zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	failures := 0
	for _, id := range ids {
		if err := d.env.Store.DeleteMessage(ctx, id); err != nil {
			d.log.Error("could not delete message", zap.String("message_id", id), zap.Error(err))
			failures++
		}
	}
	d.log.Info("deleted messages for user",
		zap.String("user_id", userID), zap.String("room_id", roomID),
		zap.Int("total", len(ids)), zap.Int("failures", failures))
}

// handleRemove broadcasts a room removal to the whole namespace.
func (d *Dispatcher) handleRemove(act *activity.Activity) {
	payload, err := act.Marshal()
	if err != nil {
		d.log.Error("could not marshal remove event", zap.Error(err))
		return
	}
	d.env.Broadcast.Emit(EventRoomRemoved, act.Namespace(), "", payload)
}
