package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jpalka/notimirror/internal/logging"
)

var mirrorLog = logging.ForComponent(logging.CompMirror)

// ManualActionIndex is the sentinel action index used by manual mirrors,
// which have no original to bridge to: the bridge simply dismisses them.
const ManualActionIndex = -1

// BridgeAction relays a user's interaction with a mirror action back to the
// original notification's callback target. Reply text is re-wrapped under the
// original action's declared input key. The mirror is always cancelled after
// the bridged invocation, whether or not the invocation succeeded.
func BridgeAction(ctx context.Context, tracker *Tracker, sink Sink, mirrorID int64, index int, replyText string) error {
	if index < 0 {
		// Manual mirror: dismiss-only semantics.
		tracker.Release(mirrorID)
		return sink.Cancel(ctx, mirrorID)
	}

	actions, ok := tracker.Actions(mirrorID)
	var invokeErr error
	switch {
	case !ok || index >= len(actions):
		mirrorLog.Warn("bridge_unknown_action",
			slog.Int64("mirror", mirrorID),
			slog.Int("index", index))
	default:
		action := actions[index]
		if action.Target != nil {
			var extras map[string]string
			if action.Reply != nil {
				key := action.Reply.Key
				if key == "" {
					key = DefaultReplyKey
				}
				extras = map[string]string{key: replyText}
			}
			if err := action.Target.Invoke(ctx, extras); err != nil {
				invokeErr = fmt.Errorf("mirror: bridge action %d: %w", index, err)
			}
		}
	}

	tracker.Release(mirrorID)
	if err := sink.Cancel(ctx, mirrorID); err != nil {
		mirrorLog.Warn("bridge_cancel_failed",
			slog.Int64("mirror", mirrorID),
			slog.String("error", err.Error()))
	}
	return invokeErr
}
