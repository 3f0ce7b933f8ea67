package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	raw := []byte(`{
		"id": "a1",
		"actor": {"id": "u1", "displayName": "alice"},
		"verb": "message",
		"object": {"content": "hello"},
		"target": {"id": "r1", "objectType": "room"},
		"published": "2024-05-01T12:00:00Z"
	}`)

	act, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1", act.ID)
	assert.Equal(t, "u1", act.Actor.ID)
	assert.Equal(t, "message", act.Verb)
	assert.Equal(t, "hello", act.Object.Content)

	roomID, ok := act.TargetID()
	require.True(t, ok)
	assert.Equal(t, "r1", roomID)

	data, err := act.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, act, back)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"verb": `))
	assert.Error(t, err)
}

func TestTargetID_Missing(t *testing.T) {
	act := &Activity{Verb: "login"}
	_, ok := act.TargetID()
	assert.False(t, ok)

	act.Target = &Target{}
	_, ok = act.TargetID()
	assert.False(t, ok, "empty target id counts as missing")
}

func TestNamespace(t *testing.T) {
	act := &Activity{Verb: "join"}
	assert.Equal(t, DefaultNamespace, act.Namespace())

	act.Target = &Target{URL: "/chat"}
	assert.Equal(t, "/chat", act.Namespace())
}

func TestReason(t *testing.T) {
	act := &Activity{Object: Object{Content: "  "}}
	_, ok := act.Reason()
	assert.False(t, ok, "whitespace only is no reason")

	act.Object.Content = "spamming"
	reason, ok := act.Reason()
	require.True(t, ok)
	assert.Equal(t, "spamming", reason)
}

func TestStamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	act := (&Activity{Verb: "ban"}).Stamp(now)
	assert.NotEmpty(t, act.ID)
	assert.Equal(t, "2024-05-01T12:00:00Z", act.Published)

	// Already stamped envelopes keep their identity.
	again := act.Stamp(now.Add(time.Hour))
	assert.Equal(t, act.ID, again.ID)
	assert.Equal(t, "2024-05-01T12:00:00Z", again.Published)
}

func TestParseBanDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"2d", 48 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseBanDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "5", "x5m", "-5m", "5w", "m"} {
		_, err := ParseBanDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestBanDurationToTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ts, err := BanDurationToTimestamp("1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), ts)

	_, err = BanDurationToTimestamp("1x", now)
	assert.Error(t, err)
}

func TestBanDurationToDatetime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out, err := BanDurationToDatetime("30m", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:30:00Z", out)
}

func TestNormalizedBan(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &Activity{
		ID:    "orig",
		Actor: Actor{ID: "mod", DisplayName: "m"},
		Verb:  "ban",
		Object: Object{
			ID:          "victim",
			DisplayName: "v",
			Summary:     "5m",
			Content:     "spamming",
		},
		Target: &Target{ID: "r1", DisplayName: "lobby", ObjectType: "room"},
	}

	out := NormalizedBan(src, "room", now)
	assert.NotEqual(t, src.ID, out.ID, "normalized envelope gets its own id")
	assert.Equal(t, "ban", out.Verb)
	assert.Equal(t, "victim", out.Object.ID)
	assert.Equal(t, "5m", out.Object.Summary)
	assert.Equal(t, "spamming", out.Object.Content)
	require.NotNil(t, out.Target)
	assert.Equal(t, "r1", out.Target.ID)
	assert.Equal(t, "room", out.Target.ObjectType)
}

func TestNormalizedKick_NoReason(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &Activity{
		Actor:  Actor{ID: "mod"},
		Verb:   "kick",
		Object: Object{ID: "victim"},
		Target: &Target{ID: "r1"},
	}

	out := NormalizedKick(src, now)
	assert.Empty(t, out.Object.Content)
	require.NotNil(t, out.Target)
	assert.Equal(t, "r1", out.Target.ID)
}
