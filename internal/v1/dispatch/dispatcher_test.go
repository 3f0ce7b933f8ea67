package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/session"
	"github.com/labrook/dino/internal/v1/store"
	"github.com/labrook/dino/internal/v1/types"
)

type emitRecord struct {
	event     string
	namespace string
	room      string
	payload   []byte
}

type fakeBroadcast struct {
	mu    sync.Mutex
	emits []emitRecord
	rooms map[string][]string // "ns/room" -> sids
	sids  map[string]bool     // "ns/sid" -> connected
}

func newFakeBroadcast() *fakeBroadcast {
	return &fakeBroadcast{rooms: make(map[string][]string), sids: make(map[string]bool)}
}

func key(namespace, suffix string) string { return namespace + "/" + suffix }

func (f *fakeBroadcast) connect(namespace, sid string, rooms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids[key(namespace, sid)] = true
	for _, room := range rooms {
		f.rooms[key(namespace, room)] = append(f.rooms[key(namespace, room)], sid)
	}
}

func (f *fakeBroadcast) Emit(event, namespace, room string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitRecord{event, namespace, room, payload})
}

func (f *fakeBroadcast) SIDsInRoom(namespace, room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rooms[key(namespace, room)]...)
}

func (f *fakeBroadcast) HasSID(namespace, sid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sids[key(namespace, sid)]
}

func (f *fakeBroadcast) LeaveRoom(namespace, sid, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sids := f.rooms[key(namespace, room)]
	for i, other := range sids {
		if other == sid {
			f.rooms[key(namespace, room)] = append(sids[:i], sids[i+1:]...)
			break
		}
	}
}

func (f *fakeBroadcast) eventsNamed(event string) []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitRecord
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeBus struct {
	mu       sync.Mutex
	internal []*activity.Activity
	external []*activity.Activity
}

func (f *fakeBus) Publish(_ context.Context, act *activity.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.internal = append(f.internal, act)
	return nil
}

func (f *fakeBus) PublishExternal(_ context.Context, act *activity.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external = append(f.external, act)
	return nil
}

func (f *fakeBus) externalVerbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, act := range f.external {
		out = append(out, act.Verb)
	}
	return out
}

// failingStore makes ban persistence fail.
type failingStore struct {
	types.Store
}

func (s *failingStore) BanUserRoom(context.Context, types.Ban) error {
	return errors.New("database is down")
}

type fixture struct {
	env       *types.Env
	store     *store.Memory
	broadcast *fakeBroadcast
	bus       *fakeBus
	disp      *Dispatcher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		store:     store.NewMemory(),
		broadcast: newFakeBroadcast(),
		bus:       &fakeBus{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.env = &types.Env{
		Store:     f.store,
		Sessions:  session.NewRedisStore(client, 0, nil),
		Broadcast: f.broadcast,
		Bus:       f.bus,
		Now:       func() time.Time { return f.now },
	}
	f.disp = New(f.env, nil)
	return f
}

func (f *fixture) seedWorld(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateChannel(ctx, types.Channel{ID: "ch1", Name: "general"}))
	require.NoError(t, f.store.CreateRoom(ctx, types.Room{ID: "r1", Name: "lobby", ChannelID: "ch1"}))
	require.NoError(t, f.store.CreateRoom(ctx, types.Room{ID: "r2", Name: "annex", ChannelID: "ch1"}))
	require.NoError(t, f.store.CreateOrUpdateUser(ctx, types.User{ID: "mod", Name: "marge"}))
	require.NoError(t, f.store.CreateOrUpdateUser(ctx, types.User{ID: "victim", Name: "vera"}))
}

// connectVictim registers the victim's sid both in the cluster registry and on
// the local transport.
func (f *fixture) connectVictim(t *testing.T, rooms ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.env.Sessions.SetSIDForUser(ctx, "victim", "sid-v"))
	f.broadcast.connect(activity.DefaultNamespace, "sid-v", rooms...)
	for _, room := range rooms {
		require.NoError(t, f.store.JoinRoom(ctx, "victim", room))
	}
}

func banActivity(roomID, targetType string) *activity.Activity {
	act := &activity.Activity{
		ID:    activity.NewID(),
		Verb:  "ban",
		Actor: activity.Actor{ID: "mod"},
		Object: activity.Object{
			ID:      "victim",
			Summary: "5m",
			Content: "spamming",
		},
	}
	if roomID != "" || targetType != "" {
		act.Target = &activity.Target{ID: roomID, ObjectType: targetType}
	}
	return act
}

func TestDedupWindows(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1")
	ctx := context.Background()

	act := banActivity("r1", "room")
	f.disp.HandleServerActivity(ctx, act)
	first := len(f.broadcast.eventsNamed(EventUserBanned))
	require.Positive(t, first)

	// The same event redelivered is dropped.
	f.disp.HandleServerActivity(ctx, act)
	assert.Equal(t, first, len(f.broadcast.eventsNamed(EventUserBanned)))
}

func TestDedupWindow_Eviction(t *testing.T) {
	w := newWindow(100)
	w.Add("first")
	for i := 0; i < 100; i++ {
		w.Add(fmt.Sprintf("evt-%d", i))
	}
	assert.False(t, w.Contains("first"), "oldest entry evicted at capacity")
	assert.True(t, w.Contains("evt-99"))
	assert.Equal(t, 100, w.Len())

	w.Add("evt-50")
	assert.Equal(t, 100, w.Len(), "re-adding a present id does not grow the window")
}

func TestBan_RoomScope(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1")
	ctx := context.Background()
	require.NoError(t, f.store.StoreMessage(ctx, "m1", "victim", "r1", "spam", f.now))

	f.disp.HandleServerActivity(ctx, banActivity("r1", "room"))

	// Ban persisted with the right scope and expiry.
	bans, err := f.store.BansForUser(ctx, "victim")
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, types.ScopeRoom, bans[0].Scope)
	assert.Equal(t, "r1", bans[0].ScopeID)
	assert.Equal(t, f.now.Add(5*time.Minute).Unix(), bans[0].Until)
	assert.Equal(t, "spamming", bans[0].Reason)

	// Room broadcast, kick broadcast and the direct gn_banned to the victim.
	bannedEmits := f.broadcast.eventsNamed(EventUserBanned)
	require.NotEmpty(t, bannedEmits)
	assert.Equal(t, "r1", bannedEmits[0].room)
	assert.NotEmpty(t, f.broadcast.eventsNamed(EventUserKicked))

	direct := f.broadcast.eventsNamed(EventBanned)
	require.Len(t, direct, 1)
	assert.Equal(t, "sid-v", direct[0].room)
	got, err := activity.Parse(direct[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "ban", got.Verb)
	assert.Equal(t, "spamming", got.Object.Content)

	// Victim detached from the room, locally and in the store.
	assert.NotContains(t, f.broadcast.SIDsInRoom(activity.DefaultNamespace, "r1"), "sid-v")
	inRoom, err := f.store.IsUserInRoom(ctx, "victim", "r1")
	require.NoError(t, err)
	assert.False(t, inRoom)

	// Messages purged.
	ids, err := f.store.UndeletedMessageIDsForUser(ctx, "victim", "r1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Normalized ban and kick went to the external bus.
	assert.Contains(t, f.bus.externalVerbs(), "ban")
	assert.Contains(t, f.bus.externalVerbs(), "kick")
}

func TestBan_Global(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1", "r2")
	ctx := context.Background()

	f.disp.HandleServerActivity(ctx, banActivity("", ""))

	bans, err := f.store.BansForUser(ctx, "victim")
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, types.ScopeGlobal, bans[0].Scope)

	// Kicked from every room.
	rooms := map[string]bool{}
	for _, e := range f.broadcast.eventsNamed(EventUserBanned) {
		rooms[e.room] = true
	}
	assert.True(t, rooms["r1"])
	assert.True(t, rooms["r2"])

	// Marked offline and a disconnect event published for analytics.
	status, err := f.store.UserStatus(ctx, "victim")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, status)
	assert.Contains(t, f.bus.externalVerbs(), "disconnect")
}

func TestBan_DelegatedWhenUserElsewhere(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()
	// The victim is connected somewhere, but not to this node.
	require.NoError(t, f.env.Sessions.SetSIDForUser(ctx, "victim", "sid-v"))

	act := banActivity("r1", "room")
	f.disp.HandleServerActivity(ctx, act)

	// Republished for the owning node, and the ban still persisted here.
	require.Len(t, f.bus.internal, 1)
	assert.Equal(t, act.ID, f.bus.internal[0].ID)
	bans, err := f.store.BansForUser(ctx, "victim")
	require.NoError(t, err)
	assert.Len(t, bans, 1)

	// No local side effects.
	assert.Empty(t, f.broadcast.eventsNamed(EventUserBanned))

	// When the delegated copy loops back over the bus it is ignored.
	f.disp.HandleServerActivity(ctx, act)
	assert.Len(t, f.bus.internal, 1)
}

func TestBan_PersistenceFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1")
	f.env.Store = &failingStore{Store: f.store}
	f.disp = New(f.env, nil)
	ctx := context.Background()

	act := banActivity("r1", "room")
	f.disp.HandleServerActivity(ctx, act)

	// Nothing reached the clients or the external bus after the failure.
	assert.Empty(t, f.broadcast.eventsNamed(EventUserBanned))
	assert.Empty(t, f.bus.externalVerbs())

	// The event can be retried: after the store recovers it goes through.
	f.env.Store = f.store
	f.disp.HandleServerActivity(ctx, act)
	bans, err := f.store.BansForUser(ctx, "victim")
	require.NoError(t, err)
	assert.Len(t, bans, 1)
}

func TestKick(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1")
	ctx := context.Background()
	require.NoError(t, f.store.StoreMessage(ctx, "m1", "victim", "r1", "spam", f.now))

	f.disp.HandleServerActivity(ctx, &activity.Activity{
		ID:     activity.NewID(),
		Verb:   "kick",
		Actor:  activity.Actor{ID: "mod"},
		Object: activity.Object{ID: "victim", Content: "flooding"},
		Target: &activity.Target{ID: "r1"},
	})

	kicks := f.broadcast.eventsNamed(EventUserKicked)
	require.Len(t, kicks, 1)
	got, err := activity.Parse(kicks[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "marge", got.Actor.DisplayName)
	assert.Equal(t, "vera", got.Object.DisplayName)
	assert.Equal(t, "lobby", got.Target.DisplayName)

	assert.NotContains(t, f.broadcast.SIDsInRoom(activity.DefaultNamespace, "r1"), "sid-v")
	ids, err := f.store.UndeletedMessageIDsForUser(ctx, "victim", "r1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Contains(t, f.bus.externalVerbs(), "kick")

	// No bans were created by a kick.
	bans, err := f.store.BansForUser(ctx, "victim")
	require.NoError(t, err)
	assert.Empty(t, bans)
}

func TestKick_AdminActor(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	f.connectVictim(t, "r1")
	ctx := context.Background()

	f.disp.HandleServerActivity(ctx, &activity.Activity{
		ID:     activity.NewID(),
		Verb:   "kick",
		Actor:  activity.Actor{ID: "0"},
		Object: activity.Object{ID: "victim"},
		Target: &activity.Target{ID: "r1"},
	})

	kicks := f.broadcast.eventsNamed(EventUserKicked)
	require.Len(t, kicks, 1)
	got, err := activity.Parse(kicks[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Actor.DisplayName)
}

func TestKick_NoSIDIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	f.disp.HandleServerActivity(ctx, &activity.Activity{
		ID:     activity.NewID(),
		Verb:   "kick",
		Actor:  activity.Actor{ID: "mod"},
		Object: activity.Object{ID: "victim"},
		Target: &activity.Target{ID: "r1"},
	})
	assert.Empty(t, f.broadcast.emits)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.disp.HandleServerActivity(ctx, &activity.Activity{
		ID:     activity.NewID(),
		Verb:   "remove",
		Actor:  activity.Actor{ID: "0"},
		Target: &activity.Target{ID: "r1"},
	})

	removes := f.broadcast.eventsNamed(EventRoomRemoved)
	require.Len(t, removes, 1)
	assert.Equal(t, "", removes[0].room, "namespace-wide broadcast")
}

func TestOtherVerbsForwardedExternally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.disp.HandleServerActivity(ctx, &activity.Activity{
		ID:    activity.NewID(),
		Verb:  "login",
		Actor: activity.Actor{ID: "u1"},
	})

	assert.Equal(t, []string{"login"}, f.bus.externalVerbs())
	assert.Empty(t, f.broadcast.emits)
}
