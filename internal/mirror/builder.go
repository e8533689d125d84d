package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/jpalka/notimirror/internal/iconpack"
	"github.com/jpalka/notimirror/internal/notify"
)

// Default action inputs used when the original exposes no actions (the common
// case for manually triggered mirrors).
const (
	DefaultReplyKey   = "reply"
	DefaultReplyTitle = "Reply"
	DefaultReadTitle  = "Mark read"
)

// Capability indicators appended to the final conversation message.
const (
	replyAvailable   = "(reply available)"
	replyUnavailable = "(reply not available)"
)

// Message is one message of a synthesized conversation payload.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	At     int64  `json:"at"`
}

// PayloadAction is one actionable entry on a mirror, translated 1:1 from an
// original action. ReplyKey is the free-text input slot for reply-capable
// actions. Mirror actions never require a foreground UI.
type PayloadAction struct {
	Title      string            `json:"title"`
	Role       notify.ActionRole `json:"role"`
	ReplyKey   string            `json:"replyKey,omitempty"`
	ReplyLabel string            `json:"replyLabel,omitempty"`
	Background bool              `json:"background"`
}

// Payload is a protocol-compliant synthetic notification: a conversation with
// bridged actions, shaped for car-display projection. Dismissal of a posted
// payload must be reported back through the dispatcher (ObserveDismissal tag)
// so the cascade path stays honest.
type Payload struct {
	MirrorID int64  `json:"mirrorId"`
	App      string `json:"app"`
	Label    string `json:"label"`

	Profile notify.Profile `json:"profile"`

	// ConversationTitle carries the profile badge for Work/Private.
	ConversationTitle string `json:"conversationTitle"`

	Messages []Message       `json:"messages"`
	Actions  []PayloadAction `json:"actions"`

	// Icon is the normalized PNG icon, placeholder when decoding failed.
	Icon []byte `json:"icon,omitempty"`

	// Manual marks mirrors created by explicit user request.
	Manual bool `json:"manual,omitempty"`

	// ObserveDismissal tells the projection client that user dismissal of
	// this payload must be reported back (feeds the cascade-cancel path).
	ObserveDismissal bool `json:"observeDismissal"`
}

// Sink is the outbound half of the host notification contract.
type Sink interface {
	Post(ctx context.Context, p *Payload) error
	Cancel(ctx context.Context, mirrorID int64) error
}

// BuildInput collects everything the engine needs for one synthesis.
type BuildInput struct {
	MirrorID int64
	App      string
	Label    string
	Title    string
	Text     string
	Profile  notify.Profile
	PostedAt int64
	Icon     []byte

	// Actions are the original notification's actions, may be empty.
	Actions []notify.Action

	// Conversation is the original's own multi-message structure, nil for
	// episodic content.
	Conversation *notify.Conversation

	Manual bool
}

// Builder assembles mirror payloads. Partial construction errors (icon
// decode, missing fields) degrade to best-effort content; only structurally
// impossible inputs fail.
type Builder struct {
	icons *iconpack.Resolver
}

// NewBuilder creates a builder using the given icon resolver (nil disables
// icon normalization and passes payloads through raw).
func NewBuilder(icons *iconpack.Resolver) *Builder {
	return &Builder{icons: icons}
}

// Build synthesizes the mirror payload for one resolved mirror id.
func (b *Builder) Build(in BuildInput) (*Payload, error) {
	if in.MirrorID <= 0 {
		return nil, errors.New("mirror: build without a mirror id")
	}
	if in.App == "" {
		return nil, errors.New("mirror: build without a source app")
	}

	name := in.Title
	if name == "" {
		name = in.Label
	}
	if name == "" {
		name = in.App
	}

	actions := translateActions(in.Actions)
	canReply := false
	for _, a := range actions {
		if a.ReplyKey != "" {
			canReply = true
			break
		}
	}

	p := &Payload{
		MirrorID:          in.MirrorID,
		App:               in.App,
		Label:             in.Label,
		Profile:           in.Profile,
		ConversationTitle: name + in.Profile.Badge(),
		Actions:           actions,
		Manual:            in.Manual,
		ObserveDismissal:  true,
	}

	if in.Conversation.Threaded() {
		// Clone the original's structure message-for-message, preserving
		// sender identity, instead of flattening to one line.
		p.Messages = make([]Message, 0, len(in.Conversation.Messages))
		for _, m := range in.Conversation.Messages {
			sender := m.Sender
			if sender == "" {
				sender = name
			}
			p.Messages = append(p.Messages, Message{Sender: sender, Text: m.Text, At: m.At})
		}
	} else {
		p.Messages = []Message{{Sender: name, Text: in.Text, At: in.PostedAt}}
	}

	indicator := replyUnavailable
	if canReply {
		indicator = replyAvailable
	}
	last := &p.Messages[len(p.Messages)-1]
	last.Text = fmt.Sprintf("%s %s", last.Text, indicator)

	if b.icons != nil && len(in.Icon) > 0 {
		p.Icon = b.icons.Resolve(notify.AppProfile{App: in.App, Profile: in.Profile}.Key(), in.Icon)
	} else {
		p.Icon = in.Icon
	}

	return p, nil
}

// translateActions maps original actions to mirror actions 1:1, preserving
// each action's semantic role and re-declaring reply input slots. When the
// original exposed no actions a default reply and mark-read pair is supplied.
func translateActions(originals []notify.Action) []PayloadAction {
	if len(originals) == 0 {
		return []PayloadAction{
			{Title: DefaultReplyTitle, Role: notify.RoleReply, ReplyKey: DefaultReplyKey, Background: true},
			{Title: DefaultReadTitle, Role: notify.RoleMarkRead, Background: true},
		}
	}

	out := make([]PayloadAction, 0, len(originals))
	for _, a := range originals {
		pa := PayloadAction{
			Title:      a.Title,
			Role:       a.Role,
			Background: true,
		}
		if a.Reply != nil {
			pa.ReplyKey = a.Reply.Key
			if pa.ReplyKey == "" {
				pa.ReplyKey = DefaultReplyKey
			}
			pa.ReplyLabel = a.Reply.Label
		}
		out = append(out, pa)
	}
	return out
}
