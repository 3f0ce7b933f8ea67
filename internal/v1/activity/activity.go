// Package activity defines the activity-streams envelope that every event in
// the system travels in: client requests, internal cluster events, broadcasts
// and external analytics publishes all share this shape.
//
// Envelope Design:
// Optional fields are plain strings with zero-value defaults; "missing content
// means no reason" style policies are expressed by checking for the empty
// string. Lookups that used to be dynamic attribute access become explicit
// (value, ok) accessors.
package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDateFormat is the datetime template used for the published and
// updated fields of every envelope.
const DefaultDateFormat = "2006-01-02T15:04:05Z"

// DefaultNamespace is the broadcast routing prefix used when an envelope does
// not carry one.
const DefaultNamespace = "/ws"

// Actor identifies who performed the verb. For moderation issued through the
// admin REST surface the id is "0".
type Actor struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName,omitempty"`
	URL         string       `json:"url,omitempty"`
	Image       *Image       `json:"image,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Image is an optional avatar reference on the actor.
type Image struct {
	URL string `json:"url"`
}

// Attachment carries a typed key/value pair, used by login to transfer session
// attributes and by set_acl to transfer ACL expressions.
type Attachment struct {
	ObjectType string `json:"objectType"`
	Content    string `json:"content"`
	Summary    string `json:"summary,omitempty"`
}

// Object is the thing the verb acts on: the message body, the banned user, the
// ACL set, depending on the verb.
type Object struct {
	ID          string       `json:"id,omitempty"`
	URL         string       `json:"url,omitempty"`
	Content     string       `json:"content,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Updated     string       `json:"updated,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
	ObjectType  string       `json:"objectType,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Target names the room, channel or user the side effects land on.
type Target struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url,omitempty"`
	ObjectType  string `json:"objectType,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Activity is the envelope. ID is the deduplication key across the cluster.
type Activity struct {
	ID        string  `json:"id"`
	Actor     Actor   `json:"actor"`
	Verb      string  `json:"verb"`
	Object    Object  `json:"object"`
	Target    *Target `json:"target,omitempty"`
	Published string  `json:"published"`
}

// Parse decodes an envelope from its JSON wire form.
func Parse(data []byte) (*Activity, error) {
	var act Activity
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, fmt.Errorf("parse activity: %w", err)
	}
	return &act, nil
}

// Marshal encodes the envelope to its JSON wire form.
func (a *Activity) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal activity: %w", err)
	}
	return data, nil
}

// Namespace returns the target's routing prefix, defaulting to /ws.
func (a *Activity) Namespace() string {
	if a.Target != nil && a.Target.URL != "" {
		return a.Target.URL
	}
	return DefaultNamespace
}

// TargetID returns (id, true) when the envelope names a target.
func (a *Activity) TargetID() (string, bool) {
	if a.Target == nil || a.Target.ID == "" {
		return "", false
	}
	return a.Target.ID, true
}

// Reason returns the moderation reason if one was supplied.
func (a *Activity) Reason() (string, bool) {
	if strings.TrimSpace(a.Object.Content) == "" {
		return "", false
	}
	return a.Object.Content, true
}

// NewID returns a fresh envelope id.
func NewID() string {
	return uuid.NewString()
}

// Stamp fills in ID and Published on a newly built envelope.
func (a *Activity) Stamp(now time.Time) *Activity {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Published == "" {
		a.Published = now.UTC().Format(DefaultDateFormat)
	}
	return a
}
