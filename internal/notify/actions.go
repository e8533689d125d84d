package notify

import (
	"context"
	"strings"
)

// ActionRole is the semantic role of a notification action. Roles are
// enumerated once at the bridge boundary; the rest of the system never
// inspects raw action titles again.
type ActionRole string

const (
	RoleReply      ActionRole = "reply"
	RoleMarkRead   ActionRole = "mark_read"
	RoleMarkUnread ActionRole = "mark_unread"
	RoleDelete     ActionRole = "delete"
	RoleArchive    ActionRole = "archive"
	RoleMute       ActionRole = "mute"
	RoleUnmute     ActionRole = "unmute"
	RoleThumbsUp   ActionRole = "thumbs_up"
	RoleThumbsDown ActionRole = "thumbs_down"
	RoleCall       ActionRole = "call"
	RoleGeneric    ActionRole = "generic"
)

// ParseActionRole maps a bridge-supplied role string to a known role,
// defaulting to generic.
func ParseActionRole(s string) ActionRole {
	switch ActionRole(strings.ToLower(strings.TrimSpace(s))) {
	case RoleReply:
		return RoleReply
	case RoleMarkRead:
		return RoleMarkRead
	case RoleMarkUnread:
		return RoleMarkUnread
	case RoleDelete:
		return RoleDelete
	case RoleArchive:
		return RoleArchive
	case RoleMute:
		return RoleMute
	case RoleUnmute:
		return RoleUnmute
	case RoleThumbsUp:
		return RoleThumbsUp
	case RoleThumbsDown:
		return RoleThumbsDown
	case RoleCall:
		return RoleCall
	default:
		return RoleGeneric
	}
}

// ReplyInput describes a free-text input slot declared by a reply-capable
// action. Key is the input key the originating app expects replies under.
type ReplyInput struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// Target is the callback target of an original notification action. Invoking
// it fires the original action on the source device; extras carry the reply
// text keyed by the original input key, or nil for plain actions.
type Target interface {
	Invoke(ctx context.Context, extras map[string]string) error
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc func(ctx context.Context, extras map[string]string) error

func (f TargetFunc) Invoke(ctx context.Context, extras map[string]string) error {
	return f(ctx, extras)
}

// Action is one actionable callback carried by an original notification.
// Reply is non-nil only for reply-capable actions.
type Action struct {
	Title  string      `json:"title"`
	Role   ActionRole  `json:"role"`
	Reply  *ReplyInput `json:"reply,omitempty"`
	Target Target      `json:"-"`
}
