// Package types holds the domain entities and the port interfaces shared by
// the validator, the action executor and the moderation dispatcher. Declaring
// the ports here keeps the packages that implement them (store, session, bus,
// transport) free of dependencies on the packages that consume them.
package types

import (
	"context"
	"time"

	"github.com/labrook/dino/internal/v1/activity"
)

// Scope is the granularity of a ban.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeChannel Scope = "channel"
	ScopeRoom    Scope = "room"
)

// ScopeFromTargetType maps an envelope target objectType to a ban scope.
// Anything that is not a room or channel is a global ban.
func ScopeFromTargetType(objectType string) Scope {
	switch objectType {
	case "room":
		return ScopeRoom
	case "channel":
		return ScopeChannel
	default:
		return ScopeGlobal
	}
}

// Session attribute keys. The session is the authoritative source for ACL
// checks and is established at login.
const (
	SessionUserID      = "user_id"
	SessionUserName    = "user_name"
	SessionAge         = "age"
	SessionGender      = "gender"
	SessionMembership  = "membership"
	SessionCountry     = "country"
	SessionCity        = "city"
	SessionImage       = "image"
	SessionHasWebcam   = "has_webcam"
	SessionFakeChecked = "fake_checked"
	SessionToken       = "token"
)

// User status values tracked by the store.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusInvisible = "invisible"
)

// Channel is a container of rooms.
type Channel struct {
	ID   string
	Name string
}

// Room holds users and messages and belongs to exactly one channel.
type Room struct {
	ID        string
	Name      string
	ChannelID string
}

// User is a chat participant.
type User struct {
	ID   string
	Name string
}

// Ban is unique per (BannedID, Scope, ScopeID).
type Ban struct {
	BannedID  string
	Scope     Scope
	ScopeID   string
	Until     int64 // epoch seconds
	Duration  string
	Reason    string
	BannerID  string
	CreatedAt time.Time
}

// Remaining returns the seconds left on the ban, zero when expired.
func (b Ban) Remaining(now time.Time) int64 {
	left := b.Until - now.Unix()
	if left < 0 {
		return 0
	}
	return left
}

// Message is one stored chat message.
type Message struct {
	ID     string
	UserID string
	RoomID string
	Body   string
	Sent   time.Time
}

// ACLRule attaches an expression to (scope entity, action, attribute).
type ACLRule struct {
	ScopeID    string
	Action     string
	Attribute  string
	Expression string
}

// Store is the persistence port (C2). Implementations own their transactional
// discipline; callers treat every method as atomic.
type Store interface {
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ChannelName(ctx context.Context, channelID string) (string, error)
	CreateChannel(ctx context.Context, channel Channel) error
	Channels(ctx context.Context) ([]Channel, error)

	RoomExists(ctx context.Context, channelID, roomID string) (bool, error)
	RoomName(ctx context.Context, roomID string) (string, error)
	ChannelForRoom(ctx context.Context, roomID string) (string, error)
	RoomNameExists(ctx context.Context, channelID, roomName string) (bool, error)
	CreateRoom(ctx context.Context, room Room) error
	DeleteRoom(ctx context.Context, roomID string) error
	RoomsForChannel(ctx context.Context, channelID string) ([]Room, error)

	CreateOrUpdateUser(ctx context.Context, user User) error
	UserName(ctx context.Context, userID string) (string, error)
	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	IsUserInRoom(ctx context.Context, userID, roomID string) (bool, error)
	RoomsForUser(ctx context.Context, userID string) ([]Room, error)
	UsersInRoom(ctx context.Context, roomID string) ([]User, error)
	SetUserStatus(ctx context.Context, userID, status string) error
	UserStatus(ctx context.Context, userID string) (string, error)

	IsAdmin(ctx context.Context, userID string) (bool, error)
	IsSuperUser(ctx context.Context, userID string) (bool, error)
	IsOwner(ctx context.Context, roomID, userID string) (bool, error)
	IsOwnerChannel(ctx context.Context, channelID, userID string) (bool, error)
	IsModerator(ctx context.Context, roomID, userID string) (bool, error)

	BanUserGlobal(ctx context.Context, ban Ban) error
	BanUserChannel(ctx context.Context, ban Ban) error
	BanUserRoom(ctx context.Context, ban Ban) error
	// BansForUser returns the user's unexpired bans, most specific scope first.
	BansForUser(ctx context.Context, userID string) ([]Ban, error)

	ACLsForRoomAction(ctx context.Context, roomID, action string) ([]ACLRule, error)
	ACLsForRoom(ctx context.Context, roomID string) ([]ACLRule, error)
	SetRoomACL(ctx context.Context, rule ACLRule) error
	DeleteRoomACL(ctx context.Context, roomID, action, attribute string) error

	StoreMessage(ctx context.Context, messageID, userID, roomID, body string, sent time.Time) error
	// MessagesForRoom returns the room's undeleted messages, newest first,
	// capped at limit (0 means no cap).
	MessagesForRoom(ctx context.Context, roomID string, limit int) ([]Message, error)
	UndeletedMessageIDsForUser(ctx context.Context, userID, roomID string) ([]string, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// SessionStore is the session port (C1): per-user attribute map plus the sid
// registry. Exactly one node holds a given sid at a time; the registry is
// cluster-global so any node can resolve user -> sid.
type SessionStore interface {
	Get(ctx context.Context, userID, key string) (string, bool, error)
	Set(ctx context.Context, userID, key, value string) error
	SetAll(ctx context.Context, userID string, attrs map[string]string) error
	All(ctx context.Context, userID string) (map[string]string, error)
	Destroy(ctx context.Context, userID string) error

	SIDForUser(ctx context.Context, userID string) (string, bool, error)
	SetSIDForUser(ctx context.Context, userID, sid string) error
}

// Broadcaster is the broadcast transport port (C3). Emits are fire-and-forget
// with internal queuing; membership lookups answer only for this node.
type Broadcaster interface {
	Emit(event, namespace, room string, payload []byte)
	SIDsInRoom(namespace, room string) []string
	HasSID(namespace, sid string) bool
	LeaveRoom(namespace, sid, room string)
}

// Publisher is the bus port: Publish fans an envelope to every node over the
// internal bus (C5), PublishExternal hands it to downstream analytics (C4).
type Publisher interface {
	Publish(ctx context.Context, act *activity.Activity) error
	PublishExternal(ctx context.Context, act *activity.Activity) error
}

// AuthPort validates a (user id, token) pair at login and returns the session
// attributes the authority holds for the user.
type AuthPort interface {
	ValidateLogin(ctx context.Context, userID, token string) (map[string]string, error)
}

// Env is the process-wide environment threaded through constructors. No
// hidden globals: everything the core needs to touch the outside world is
// reachable from here.
type Env struct {
	Store     Store
	Sessions  SessionStore
	Broadcast Broadcaster
	Bus       Publisher
	Auth      AuthPort

	Now        func() time.Time
	Namespace  string
	DateFormat string
}

// NowUTC returns the current time from the env clock, defaulting to the wall
// clock so zero-value envs stay usable in tests.
func (e *Env) NowUTC() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// DefaultNamespace returns the configured namespace or /ws.
func (e *Env) DefaultNamespace() string {
	if e.Namespace != "" {
		return e.Namespace
	}
	return activity.DefaultNamespace
}
