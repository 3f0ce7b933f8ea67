package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrook/dino/internal/v1/types"
)

func seedMemory(t *testing.T) (*Memory, context.Context) {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateChannel(ctx, types.Channel{ID: "ch1", Name: "general"}))
	require.NoError(t, m.CreateRoom(ctx, types.Room{ID: "r1", Name: "lobby", ChannelID: "ch1"}))
	return m, ctx
}

func TestMemory_ChannelsAndRooms(t *testing.T) {
	m, ctx := seedMemory(t)

	exists, err := m.ChannelExists(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, exists)

	name, err := m.ChannelName(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "general", name)

	_, err = m.ChannelName(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	channelID, err := m.ChannelForRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ch1", channelID)

	taken, err := m.RoomNameExists(ctx, "ch1", "lobby")
	require.NoError(t, err)
	assert.True(t, taken)

	err = m.CreateRoom(ctx, types.Room{ID: "r2", Name: "den", ChannelID: "nope"})
	assert.Error(t, err, "room needs an existing channel")

	rooms, err := m.RoomsForChannel(ctx, "ch1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
}

func TestMemory_Membership(t *testing.T) {
	m, ctx := seedMemory(t)

	require.NoError(t, m.CreateOrUpdateUser(ctx, types.User{ID: "u1", Name: "alice"}))
	require.NoError(t, m.JoinRoom(ctx, "u1", "r1"))

	in, err := m.IsUserInRoom(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, in)

	users, err := m.UsersInRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	rooms, err := m.RoomsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	require.NoError(t, m.LeaveRoom(ctx, "u1", "r1"))
	in, err = m.IsUserInRoom(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.False(t, in)

	err = m.JoinRoom(ctx, "u1", "ghost")
	assert.Error(t, err)
}

func TestMemory_Status(t *testing.T) {
	m, ctx := seedMemory(t)

	status, err := m.UserStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, status, "unknown users read as offline")

	require.NoError(t, m.SetUserStatus(ctx, "u1", types.StatusInvisible))
	status, err = m.UserStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInvisible, status)
}

func TestMemory_Roles(t *testing.T) {
	m, ctx := seedMemory(t)

	m.SetAdmin("a1")
	m.SetSuperUser("s1")
	m.SetOwner("r1", "o1")
	m.SetOwnerChannel("ch1", "c1")
	m.SetModerator("r1", "m1")

	ok, _ := m.IsAdmin(ctx, "a1")
	assert.True(t, ok)
	ok, _ = m.IsSuperUser(ctx, "s1")
	assert.True(t, ok)
	ok, _ = m.IsOwner(ctx, "r1", "o1")
	assert.True(t, ok)
	ok, _ = m.IsOwnerChannel(ctx, "ch1", "c1")
	assert.True(t, ok)
	ok, _ = m.IsModerator(ctx, "r1", "m1")
	assert.True(t, ok)

	ok, _ = m.IsAdmin(ctx, "nobody")
	assert.False(t, ok)
}

func TestMemory_BansMostSpecificFirst(t *testing.T) {
	m, ctx := seedMemory(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour).Unix()

	require.NoError(t, m.BanUserGlobal(ctx, types.Ban{BannedID: "u1", Until: until}))
	require.NoError(t, m.BanUserChannel(ctx, types.Ban{BannedID: "u1", ScopeID: "ch1", Until: until}))
	require.NoError(t, m.BanUserRoom(ctx, types.Ban{BannedID: "u1", ScopeID: "r1", Until: until}))

	bans, err := m.BansForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, bans, 3)
	assert.Equal(t, types.ScopeRoom, bans[0].Scope)
	assert.Equal(t, types.ScopeChannel, bans[1].Scope)
	assert.Equal(t, types.ScopeGlobal, bans[2].Scope)

	// Re-banning in the same scope replaces, not duplicates.
	require.NoError(t, m.BanUserRoom(ctx, types.Ban{BannedID: "u1", ScopeID: "r1", Until: until + 60}))
	bans, err = m.BansForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, bans, 3)
}

func TestMemory_ACLs(t *testing.T) {
	m, ctx := seedMemory(t)

	rule := types.ACLRule{ScopeID: "r1", Action: "join", Attribute: "gender", Expression: "f"}
	require.NoError(t, m.SetRoomACL(ctx, rule))
	require.NoError(t, m.SetRoomACL(ctx, types.ACLRule{
		ScopeID: "r1", Action: "message", Attribute: "membership", Expression: "vip",
	}))

	joinRules, err := m.ACLsForRoomAction(ctx, "r1", "join")
	require.NoError(t, err)
	require.Len(t, joinRules, 1)
	assert.Equal(t, rule, joinRules[0])

	all, err := m.ACLsForRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, m.DeleteRoomACL(ctx, "r1", "join", "gender"))
	joinRules, err = m.ACLsForRoomAction(ctx, "r1", "join")
	require.NoError(t, err)
	assert.Empty(t, joinRules)
}

func TestMemory_Messages(t *testing.T) {
	m, ctx := seedMemory(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.StoreMessage(ctx, "m1", "u1", "r1", "first", base))
	require.NoError(t, m.StoreMessage(ctx, "m2", "u1", "r1", "second", base.Add(time.Minute)))
	require.NoError(t, m.StoreMessage(ctx, "m3", "u2", "r1", "third", base.Add(2*time.Minute)))

	msgs, err := m.MessagesForRoom(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].ID, "newest first")
	assert.Equal(t, "m1", msgs[2].ID)

	msgs, err = m.MessagesForRoom(ctx, "r1", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	ids, err := m.UndeletedMessageIDsForUser(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	require.NoError(t, m.DeleteMessage(ctx, "m2"))
	ids, err = m.UndeletedMessageIDsForUser(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)

	msgs, err = m.MessagesForRoom(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "deleted messages drop out of history")

	assert.ErrorIs(t, m.DeleteMessage(ctx, "ghost"), ErrNotFound)
}
