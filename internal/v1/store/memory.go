// Package store implements the persistence port: a Postgres implementation
// for production and an in-memory implementation used by tests and by single
// node deployments that do not need durability.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labrook/dino/internal/v1/types"
)

// ErrNotFound is returned when a lookup names an entity that does not exist.
var ErrNotFound = fmt.Errorf("store: not found")

type banKey struct {
	bannedID string
	scope    types.Scope
	scopeID  string
}

type aclKey struct {
	scopeID   string
	action    string
	attribute string
}

type message struct {
	id      string
	userID  string
	roomID  string
	body    string
	sent    time.Time
	deleted bool
}

// Memory is a mutex guarded in-memory Store.
type Memory struct {
	mu sync.RWMutex

	channels map[string]types.Channel
	rooms    map[string]types.Room
	users    map[string]types.User
	status   map[string]string

	roomUsers map[string]map[string]struct{} // roomID -> userIDs

	admins        map[string]struct{}
	superUsers    map[string]struct{}
	roomOwners    map[string]map[string]struct{} // roomID -> userIDs
	channelOwners map[string]map[string]struct{}
	moderators    map[string]map[string]struct{}

	bans     map[banKey]types.Ban
	acls     map[aclKey]types.ACLRule
	messages map[string]*message
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		channels:      make(map[string]types.Channel),
		rooms:         make(map[string]types.Room),
		users:         make(map[string]types.User),
		status:        make(map[string]string),
		roomUsers:     make(map[string]map[string]struct{}),
		admins:        make(map[string]struct{}),
		superUsers:    make(map[string]struct{}),
		roomOwners:    make(map[string]map[string]struct{}),
		channelOwners: make(map[string]map[string]struct{}),
		moderators:    make(map[string]map[string]struct{}),
		bans:          make(map[banKey]types.Ban),
		acls:          make(map[aclKey]types.ACLRule),
		messages:      make(map[string]*message),
	}
}

var _ types.Store = (*Memory)(nil)

func (m *Memory) ChannelExists(_ context.Context, channelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID]
	return ok, nil
}

func (m *Memory) ChannelName(_ context.Context, channelID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return "", ErrNotFound
	}
	return ch.Name, nil
}

func (m *Memory) CreateChannel(_ context.Context, channel types.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[channel.ID]; exists {
		return fmt.Errorf("store: channel %s already exists", channel.ID)
	}
	m.channels[channel.ID] = channel
	return nil
}

func (m *Memory) Channels(_ context.Context) ([]types.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (m *Memory) RoomExists(_ context.Context, channelID, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	if channelID != "" && room.ChannelID != channelID {
		return false, nil
	}
	return true, nil
}

func (m *Memory) RoomName(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return "", ErrNotFound
	}
	return room.Name, nil
}

func (m *Memory) ChannelForRoom(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return "", ErrNotFound
	}
	return room.ChannelID, nil
}

func (m *Memory) RoomNameExists(_ context.Context, channelID, roomName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, room := range m.rooms {
		if room.ChannelID == channelID && room.Name == roomName {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateRoom(_ context.Context, room types.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[room.ChannelID]; !exists {
		return fmt.Errorf("store: channel %s does not exist", room.ChannelID)
	}
	if _, exists := m.rooms[room.ID]; exists {
		return fmt.Errorf("store: room %s already exists", room.ID)
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.roomUsers, roomID)
	delete(m.roomOwners, roomID)
	delete(m.moderators, roomID)
	return nil
}

func (m *Memory) RoomsForChannel(_ context.Context, channelID string) ([]types.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Room
	for _, room := range m.rooms {
		if room.ChannelID == channelID {
			out = append(out, room)
		}
	}
	return out, nil
}

func (m *Memory) CreateOrUpdateUser(_ context.Context, user types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) UserName(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return user.Name, nil
}

func (m *Memory) JoinRoom(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[roomID]; !exists {
		return fmt.Errorf("store: room %s does not exist", roomID)
	}
	if m.roomUsers[roomID] == nil {
		m.roomUsers[roomID] = make(map[string]struct{})
	}
	m.roomUsers[roomID][userID] = struct{}{}
	return nil
}

func (m *Memory) LeaveRoom(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users, ok := m.roomUsers[roomID]; ok {
		delete(users, userID)
	}
	return nil
}

func (m *Memory) IsUserInRoom(_ context.Context, userID, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roomUsers[roomID][userID]
	return ok, nil
}

func (m *Memory) RoomsForUser(_ context.Context, userID string) ([]types.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Room
	for roomID, users := range m.roomUsers {
		if _, in := users[userID]; in {
			out = append(out, m.rooms[roomID])
		}
	}
	return out, nil
}

func (m *Memory) UsersInRoom(_ context.Context, roomID string) ([]types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.User
	for userID := range m.roomUsers[roomID] {
		if user, ok := m.users[userID]; ok {
			out = append(out, user)
		} else {
			out = append(out, types.User{ID: userID})
		}
	}
	return out, nil
}

func (m *Memory) SetUserStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[userID] = status
	return nil
}

func (m *Memory) UserStatus(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.status[userID]
	if !ok {
		return types.StatusOffline, nil
	}
	return status, nil
}

// SetAdmin, SetSuperUser, SetOwner, SetOwnerChannel and SetModerator grant
// roles. The Postgres store reads these from the role tables; here they are
// test fixtures.

func (m *Memory) SetAdmin(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[userID] = struct{}{}
}

func (m *Memory) SetSuperUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.superUsers[userID] = struct{}{}
}

func (m *Memory) SetOwner(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomOwners[roomID] == nil {
		m.roomOwners[roomID] = make(map[string]struct{})
	}
	m.roomOwners[roomID][userID] = struct{}{}
}

func (m *Memory) SetOwnerChannel(channelID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelOwners[channelID] == nil {
		m.channelOwners[channelID] = make(map[string]struct{})
	}
	m.channelOwners[channelID][userID] = struct{}{}
}

func (m *Memory) SetModerator(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moderators[roomID] == nil {
		m.moderators[roomID] = make(map[string]struct{})
	}
	m.moderators[roomID][userID] = struct{}{}
}

func (m *Memory) IsAdmin(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.admins[userID]
	return ok, nil
}

func (m *Memory) IsSuperUser(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.superUsers[userID]
	return ok, nil
}

func (m *Memory) IsOwner(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roomOwners[roomID][userID]
	return ok, nil
}

func (m *Memory) IsOwnerChannel(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channelOwners[channelID][userID]
	return ok, nil
}

func (m *Memory) IsModerator(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.moderators[roomID][userID]
	return ok, nil
}

func (m *Memory) banUser(ban types.Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[banKey{ban.BannedID, ban.Scope, ban.ScopeID}] = ban
	return nil
}

func (m *Memory) BanUserGlobal(_ context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeGlobal
	ban.ScopeID = ""
	return m.banUser(ban)
}

func (m *Memory) BanUserChannel(_ context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeChannel
	return m.banUser(ban)
}

func (m *Memory) BanUserRoom(_ context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeRoom
	return m.banUser(ban)
}

func (m *Memory) BansForUser(_ context.Context, userID string) ([]types.Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Ban
	// Most specific scope first.
	for _, scope := range []types.Scope{types.ScopeRoom, types.ScopeChannel, types.ScopeGlobal} {
		for key, ban := range m.bans {
			if key.bannedID == userID && key.scope == scope {
				out = append(out, ban)
			}
		}
	}
	return out, nil
}

func (m *Memory) ACLsForRoomAction(_ context.Context, roomID, action string) ([]types.ACLRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ACLRule
	for key, rule := range m.acls {
		if key.scopeID == roomID && key.action == action {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *Memory) ACLsForRoom(_ context.Context, roomID string) ([]types.ACLRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ACLRule
	for key, rule := range m.acls {
		if key.scopeID == roomID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *Memory) SetRoomACL(_ context.Context, rule types.ACLRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acls[aclKey{rule.ScopeID, rule.Action, rule.Attribute}] = rule
	return nil
}

func (m *Memory) DeleteRoomACL(_ context.Context, roomID, action, attribute string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acls, aclKey{roomID, action, attribute})
	return nil
}

func (m *Memory) StoreMessage(_ context.Context, messageID, userID, roomID, body string, sent time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[messageID] = &message{id: messageID, userID: userID, roomID: roomID, body: body, sent: sent}
	return nil
}

func (m *Memory) MessagesForRoom(_ context.Context, roomID string, limit int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Message
	for _, msg := range m.messages {
		if msg.roomID == roomID && !msg.deleted {
			out = append(out, types.Message{ID: msg.id, UserID: msg.userID, RoomID: msg.roomID, Body: msg.body, Sent: msg.sent})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sent.After(out[j].Sent) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UndeletedMessageIDsForUser(_ context.Context, userID, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, msg := range m.messages {
		if msg.userID == userID && !msg.deleted && (roomID == "" || msg.roomID == roomID) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) DeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.deleted = true
	return nil
}
