package activity

import "time"

// Builders for the normalized envelopes the server itself emits: broadcasts to
// affected rooms and fire-and-forget publishes to the analytics bus.

// ForUserBanned builds the envelope broadcast to a room when one of its users
// is banned.
func ForUserBanned(bannerID, bannerName, bannedID, bannedName, targetID, targetName, reason string, now time.Time) *Activity {
	act := &Activity{
		Actor: Actor{ID: bannerID, DisplayName: bannerName},
		Verb:  "ban",
		Object: Object{
			ID:          bannedID,
			DisplayName: bannedName,
			Content:     reason,
		},
		Target: &Target{ID: targetID, DisplayName: targetName},
	}
	return act.Stamp(now)
}

// ForUserKicked builds the envelope broadcast to a room when a user is kicked
// out of it.
func ForUserKicked(kickerID, kickerName, kickedID, kickedName, roomID, roomName, reason string, now time.Time) *Activity {
	act := &Activity{
		Actor: Actor{ID: kickerID, DisplayName: kickerName},
		Verb:  "kick",
		Object: Object{
			ID:          kickedID,
			DisplayName: kickedName,
			Content:     reason,
		},
		Target: &Target{ID: roomID, DisplayName: roomName},
	}
	return act.Stamp(now)
}

// ForDisconnect builds the analytics event published when a user is forcibly
// disconnected, e.g. by a global ban.
func ForDisconnect(userID, userName string, now time.Time) *Activity {
	act := &Activity{
		Actor: Actor{ID: userID, DisplayName: userName},
		Verb:  "disconnect",
	}
	return act.Stamp(now)
}

// ForLogin builds the analytics event published after a successful login.
func ForLogin(userID, userName string, now time.Time) *Activity {
	act := &Activity{
		Actor: Actor{ID: userID, DisplayName: userName},
		Verb:  "login",
	}
	return act.Stamp(now)
}

// NormalizedBan copies the moderation-relevant fields of a ban envelope into a
// fresh envelope with its own id, suitable for the external bus and for the
// gn_banned emit to the victim. Fields absent on the source stay absent.
func NormalizedBan(src *Activity, targetType string, now time.Time) *Activity {
	out := &Activity{
		Actor: Actor{ID: src.Actor.ID, DisplayName: src.Actor.DisplayName},
		Verb:  "ban",
		Object: Object{
			ID:          src.Object.ID,
			DisplayName: src.Object.DisplayName,
			Summary:     src.Object.Summary,
			Updated:     src.Object.Updated,
		},
		Target: &Target{ObjectType: targetType},
	}
	if reason, ok := src.Reason(); ok {
		out.Object.Content = reason
	}
	if src.Target != nil {
		out.Target.ID = src.Target.ID
		out.Target.DisplayName = src.Target.DisplayName
		out.Target.ObjectType = src.Target.ObjectType
	}
	return out.Stamp(now)
}

// NormalizedKick is the kick counterpart of NormalizedBan.
func NormalizedKick(src *Activity, now time.Time) *Activity {
	out := &Activity{
		Actor: Actor{ID: src.Actor.ID, DisplayName: src.Actor.DisplayName},
		Verb:  "kick",
		Object: Object{
			ID:          src.Object.ID,
			DisplayName: src.Object.DisplayName,
		},
	}
	if reason, ok := src.Reason(); ok {
		out.Object.Content = reason
	}
	if src.Target != nil {
		out.Target = &Target{ID: src.Target.ID, DisplayName: src.Target.DisplayName}
	}
	return out.Stamp(now)
}
