package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrook/dino/internal/v1/acl"
	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/session"
	"github.com/labrook/dino/internal/v1/store"
	"github.com/labrook/dino/internal/v1/types"
)

type fakeAuth struct {
	sessions map[string]map[string]string // userID -> attrs returned on success
	token    string
}

func (f *fakeAuth) ValidateLogin(_ context.Context, userID, token string) (map[string]string, error) {
	if token != f.token {
		return nil, errors.New("invalid token")
	}
	attrs, ok := f.sessions[userID]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return attrs, nil
}

type fixture struct {
	env   *types.Env
	store *store.Memory
	val   *Validator
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := &types.Env{
		Store:    mem,
		Sessions: session.NewRedisStore(client, 0, nil),
		Auth: &fakeAuth{
			token: "good-token",
			sessions: map[string]map[string]string{
				"u1": {
					types.SessionUserName:   "alice",
					types.SessionGender:     "f",
					types.SessionAge:        "30",
					types.SessionMembership: "tg_p",
				},
			},
		},
		Now: func() time.Time { return now },
	}

	engine := acl.NewEngine(acl.DefaultConfig(acl.Deps{Roles: mem, Channels: mem}))
	return &fixture{env: env, store: mem, val: New(env, engine, nil), now: now}
}

func (f *fixture) seedWorld(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateChannel(ctx, types.Channel{ID: "ch1", Name: "general"}))
	require.NoError(t, f.store.CreateRoom(ctx, types.Room{ID: "r1", Name: "lobby", ChannelID: "ch1"}))
	require.NoError(t, f.store.CreateRoom(ctx, types.Room{ID: "r2", Name: "annex", ChannelID: "ch1"}))
	require.NoError(t, f.store.CreateOrUpdateUser(ctx, types.User{ID: "u1", Name: "alice"}))
}

func (f *fixture) login(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.env.Sessions.SetAll(context.Background(), userID, map[string]string{
		types.SessionUserID:     userID,
		types.SessionUserName:   "alice",
		types.SessionToken:      "good-token",
		types.SessionGender:     "f",
		types.SessionAge:        "30",
		types.SessionMembership: "tg_p",
	}))
}

func loginActivity(userID, token string) *activity.Activity {
	return &activity.Activity{
		ID:   activity.NewID(),
		Verb: "login",
		Actor: activity.Actor{
			ID: userID,
			Attachments: []activity.Attachment{
				{ObjectType: types.SessionToken, Content: token},
				{ObjectType: types.SessionGender, Content: "f"},
			},
		},
	}
}

func TestValidate_UnknownVerb(t *testing.T) {
	f := newFixture(t)
	res := f.val.Validate(context.Background(), &activity.Activity{Verb: "teleport"})
	assert.False(t, res.OK)
	assert.Equal(t, 400, res.Code)
}

func TestValidate_TokenGate(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	msg := &activity.Activity{
		Verb:   "message",
		Actor:  activity.Actor{ID: "u1"},
		Target: &activity.Target{ID: "r1"},
	}
	res := f.val.Validate(ctx, msg)
	assert.False(t, res.OK, "message without session token")

	f.login(t, "u1")
	res = f.val.Validate(ctx, msg)
	assert.True(t, res.OK)

	// Exempt verbs pass without a session.
	res = f.val.Validate(ctx, &activity.Activity{
		Verb:  "list_rooms",
		Actor: activity.Actor{ID: "u9"},
		Object: activity.Object{
			URL: "ch1",
		},
	})
	assert.True(t, res.OK)
}

func TestValidate_Login(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	t.Run("success merges auth attributes into session", func(t *testing.T) {
		res := f.val.Validate(ctx, loginActivity("u1", "good-token"))
		require.True(t, res.OK, res.Reason)

		attrs, err := f.env.Sessions.All(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", attrs[types.SessionUserName])
		assert.Equal(t, "tg_p", attrs[types.SessionMembership])
		assert.Equal(t, "u1", attrs[types.SessionUserID])
	})

	t.Run("missing token", func(t *testing.T) {
		act := loginActivity("u1", "good-token")
		act.Actor.Attachments = nil
		res := f.val.Validate(ctx, act)
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "no token")
	})

	t.Run("bad token", func(t *testing.T) {
		res := f.val.Validate(ctx, loginActivity("u1", "wrong"))
		assert.False(t, res.OK)
	})

	t.Run("globally banned user cannot log in", func(t *testing.T) {
		require.NoError(t, f.store.BanUserGlobal(ctx, types.Ban{
			BannedID: "u2",
			Until:    f.now.Add(time.Hour).Unix(),
		}))
		res := f.val.Validate(ctx, loginActivity("u2", "good-token"))
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "banned")
	})
}

func TestValidate_Join(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "u1")
	ctx := context.Background()

	join := &activity.Activity{
		Verb:   "join",
		Actor:  activity.Actor{ID: "u1"},
		Target: &activity.Target{ID: "r1"},
	}

	t.Run("no acls", func(t *testing.T) {
		res := f.val.Validate(ctx, join)
		assert.True(t, res.OK, res.Reason)
	})

	t.Run("acl satisfied", func(t *testing.T) {
		require.NoError(t, f.store.SetRoomACL(ctx, types.ACLRule{
			ScopeID: "r1", Action: "join", Attribute: "gender", Expression: "f,ts",
		}))
		res := f.val.Validate(ctx, join)
		assert.True(t, res.OK, res.Reason)
	})

	t.Run("acl rejected", func(t *testing.T) {
		require.NoError(t, f.store.SetRoomACL(ctx, types.ACLRule{
			ScopeID: "r1", Action: "join", Attribute: "age", Expression: "40:",
		}))
		res := f.val.Validate(ctx, join)
		assert.False(t, res.OK)
		require.NoError(t, f.store.DeleteRoomACL(ctx, "r1", "join", "age"))
	})

	t.Run("room ban rejects with remaining duration", func(t *testing.T) {
		require.NoError(t, f.store.BanUserRoom(ctx, types.Ban{
			BannedID: "u1", ScopeID: "r1",
			Until: f.now.Add(5 * time.Minute).Unix(),
		}))
		res := f.val.Validate(ctx, join)
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "300s")
	})

	t.Run("expired ban does not block", func(t *testing.T) {
		require.NoError(t, f.store.BanUserRoom(ctx, types.Ban{
			BannedID: "u1", ScopeID: "r1",
			Until: f.now.Add(-time.Minute).Unix(),
		}))
		res := f.val.Validate(ctx, join)
		assert.True(t, res.OK, res.Reason)
	})
}

func TestValidate_Message(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "u1")
	ctx := context.Background()

	t.Run("no target room", func(t *testing.T) {
		res := f.val.Validate(ctx, &activity.Activity{Verb: "message", Actor: activity.Actor{ID: "u1"}})
		assert.False(t, res.OK)
	})

	t.Run("group target requires channel and room to exist", func(t *testing.T) {
		act := &activity.Activity{
			Verb:   "message",
			Actor:  activity.Actor{ID: "u1"},
			Object: activity.Object{URL: "nope"},
			Target: &activity.Target{ID: "r1", ObjectType: "group"},
		}
		res := f.val.Validate(ctx, act)
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "channel")

		act.Object.URL = "ch1"
		act.Target.ID = "ghost"
		res = f.val.Validate(ctx, act)
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "room")
	})

	t.Run("member sends in own room", func(t *testing.T) {
		require.NoError(t, f.store.JoinRoom(ctx, "u1", "r1"))
		res := f.val.Validate(ctx, &activity.Activity{
			Verb:   "message",
			Actor:  activity.Actor{ID: "u1", URL: "r1"},
			Object: activity.Object{URL: "ch1"},
			Target: &activity.Target{ID: "r1", ObjectType: "group"},
		})
		assert.True(t, res.OK, res.Reason)
	})

	t.Run("cross-room blocked without policy", func(t *testing.T) {
		require.NoError(t, f.store.SetRoomACL(ctx, types.ACLRule{
			ScopeID: "r2", Action: "crossroom", Attribute: "gender", Expression: "m",
		}))
		res := f.val.Validate(ctx, &activity.Activity{
			Verb:   "message",
			Actor:  activity.Actor{ID: "u1", URL: "r1"},
			Object: activity.Object{URL: "ch1"},
			Target: &activity.Target{ID: "r2", ObjectType: "group"},
		})
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "cross-room")
	})
}

func TestValidate_Ban(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "u1")
	f.login(t, "owner")
	f.login(t, "admin")
	f.store.SetOwner("r1", "owner")
	f.store.SetAdmin("admin")
	ctx := context.Background()

	banAct := func(actor, banned, roomID string) *activity.Activity {
		act := &activity.Activity{
			Verb:   "ban",
			Actor:  activity.Actor{ID: actor},
			Object: activity.Object{ID: banned, URL: "ch1"},
		}
		if roomID != "" {
			act.Target = &activity.Target{ID: roomID}
		}
		return act
	}

	t.Run("blank banned id", func(t *testing.T) {
		res := f.val.Validate(ctx, banAct("owner", "  ", "r1"))
		assert.False(t, res.OK)
	})

	t.Run("room ban requires owner", func(t *testing.T) {
		assert.False(t, f.val.Validate(ctx, banAct("u1", "victim", "r1")).OK)
		assert.True(t, f.val.Validate(ctx, banAct("owner", "victim", "r1")).OK)
	})

	t.Run("global ban requires admin", func(t *testing.T) {
		assert.False(t, f.val.Validate(ctx, banAct("owner", "victim", "")).OK)
		assert.True(t, f.val.Validate(ctx, banAct("admin", "victim", "")).OK)
	})
}

func TestValidate_Kick(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "u1")
	f.login(t, "mod")
	f.store.SetModerator("r1", "mod")
	ctx := context.Background()

	kick := func(actor, channelID, roomID, kicked string) *activity.Activity {
		return &activity.Activity{
			Verb:   "kick",
			Actor:  activity.Actor{ID: actor},
			Object: activity.Object{URL: channelID},
			Target: &activity.Target{ID: roomID, DisplayName: kicked},
		}
	}

	assert.False(t, f.val.Validate(ctx, kick("mod", "", "r1", "u1")).OK)
	assert.False(t, f.val.Validate(ctx, kick("mod", "ch1", "", "u1")).OK)
	assert.False(t, f.val.Validate(ctx, kick("mod", "ch1", "r1", "")).OK)
	assert.False(t, f.val.Validate(ctx, kick("u1", "ch1", "r1", "mod")).OK)
	assert.True(t, f.val.Validate(ctx, kick("mod", "ch1", "r1", "u1")).OK)
}

func TestValidate_SetACL(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "owner")
	f.store.SetOwner("r1", "owner")
	ctx := context.Background()

	setACL := func(attachments ...activity.Attachment) *activity.Activity {
		return &activity.Activity{
			Verb:   "set_acl",
			Actor:  activity.Actor{ID: "owner"},
			Object: activity.Object{Attachments: attachments},
			Target: &activity.Target{ID: "r1"},
		}
	}

	assert.True(t, f.val.Validate(ctx, setACL(
		activity.Attachment{ObjectType: "gender", Content: "m,f"},
		activity.Attachment{ObjectType: "custom", Content: "age=18:|membership=vip"},
	)).OK)

	res := f.val.Validate(ctx, setACL(activity.Attachment{ObjectType: "shoe_size", Content: "42"}))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "invalid acl type")

	res = f.val.Validate(ctx, setACL(activity.Attachment{ObjectType: "custom", Content: "gender=f("}))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "invalid acl value")

	// Empty content is the delete form; only the type is checked.
	assert.True(t, f.val.Validate(ctx, setACL(
		activity.Attachment{ObjectType: "gender", Content: ""},
	)).OK)
	res = f.val.Validate(ctx, setACL(activity.Attachment{ObjectType: "shoe_size", Content: ""}))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "invalid acl type")

	f.login(t, "u1")
	notOwner := setACL(activity.Attachment{ObjectType: "gender", Content: "m"})
	notOwner.Actor.ID = "u1"
	assert.False(t, f.val.Validate(ctx, notOwner).OK)
}

func TestValidate_StatusAndCreate(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.login(t, "u1")
	ctx := context.Background()

	status := func(value string) *activity.Activity {
		return &activity.Activity{
			Verb:   "status",
			Actor:  activity.Actor{ID: "u1"},
			Object: activity.Object{Content: value},
		}
	}
	assert.True(t, f.val.Validate(ctx, status(types.StatusInvisible)).OK)
	assert.False(t, f.val.Validate(ctx, status("away")).OK)

	create := func(channelID, roomName string) *activity.Activity {
		return &activity.Activity{
			Verb:   "create",
			Actor:  activity.Actor{ID: "u1"},
			Object: activity.Object{URL: channelID},
			Target: &activity.Target{DisplayName: roomName},
		}
	}
	assert.True(t, f.val.Validate(ctx, create("ch1", "new-room")).OK)
	assert.False(t, f.val.Validate(ctx, create("ch1", "")).OK)
	assert.False(t, f.val.Validate(ctx, create("ghost", "x")).OK)
	assert.False(t, f.val.Validate(ctx, create("ch1", "lobby")).OK, "name taken")
}
