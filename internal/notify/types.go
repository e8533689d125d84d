package notify

import (
	"errors"
	"strings"
)

// Profile identifies the user-space partition a notification originated from.
type Profile string

const (
	ProfilePersonal Profile = "personal"
	ProfileWork     Profile = "work"
	ProfilePrivate  Profile = "private"
)

// UserIDUnknown marks a record whose numeric profile id could not be recovered
// from the bridge payload.
const UserIDUnknown = -1

// ParseProfile maps a bridge-supplied profile string to a known Profile.
// Unknown values fall back to personal.
func ParseProfile(s string) Profile {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileWork:
		return ProfileWork
	case ProfilePrivate:
		return ProfilePrivate
	default:
		return ProfilePersonal
	}
}

// Badge returns the display suffix for non-personal profiles, e.g. " (Work)".
// Personal has no badge.
func (p Profile) Badge() string {
	switch p {
	case ProfileWork:
		return " (Work)"
	case ProfilePrivate:
		return " (Private)"
	default:
		return ""
	}
}

var (
	// ErrBlankKey rejects records without a host-assigned key.
	ErrBlankKey = errors.New("notify: blank notification key")
	// ErrBadTimestamp rejects records with a non-positive arrival timestamp.
	ErrBadTimestamp = errors.New("notify: non-positive timestamp")
)

// Record represents one observed notification at a point in time.
type Record struct {
	// App is the source application identifier (package name on Android).
	App string `json:"app"`

	// AppLabel is the human-readable application name.
	AppLabel string `json:"appLabel"`

	// Title and Text are the notification's visible content. Either may be empty.
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`

	// PostedAt is the host-supplied arrival timestamp in unix milliseconds.
	PostedAt int64 `json:"postedAt"`

	// Key is the host-assigned opaque notification key, unique within an
	// (app, profile) partition at any instant.
	Key string `json:"key"`

	Profile Profile `json:"profile"`

	// UserID is the numeric profile id, UserIDUnknown when not recoverable.
	UserID int `json:"userId"`

	// Icon is the encoded icon payload as delivered by the bridge, optional.
	Icon []byte `json:"icon,omitempty"`
}

// Validate reports whether the record is acceptable for ingestion.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return ErrBlankKey
	}
	if r.PostedAt <= 0 {
		return ErrBadTimestamp
	}
	return nil
}

// AppProfile identifies one (app, profile) partition.
type AppProfile struct {
	App     string  `json:"app"`
	Profile Profile `json:"profile"`
}

// Key returns the storage key for this partition ("app|profile").
func (ap AppProfile) Key() string {
	return ap.App + "|" + string(ap.Profile)
}

// PartitionOf returns the partition identity for a record.
func PartitionOf(r *Record) AppProfile {
	return AppProfile{App: r.App, Profile: r.Profile}
}

// ConvMessage is one message inside an app's own conversation-style payload.
type ConvMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	At     int64  `json:"at"`
}

// Conversation is the structured multi-message payload some apps attach to a
// single evolving notification. Apps that never expose this structure are
// always treated as episodic even if they are conceptually threaded.
type Conversation struct {
	Messages []ConvMessage `json:"messages"`
}

// Threaded reports whether the conversation carries 2+ accumulated messages,
// which is the classification rule for content-hash deduplication.
func (c *Conversation) Threaded() bool {
	return c != nil && len(c.Messages) >= 2
}
