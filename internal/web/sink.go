package web

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jpalka/notimirror/internal/mirror"
)

// projectionSink delivers synthesized mirrors to every projection channel:
// connected /ws/events clients always, Web Push subscribers when configured.
type projectionSink struct {
	server *Server
}

// Sink returns the server's mirror delivery sink.
func (s *Server) Sink() mirror.Sink {
	return &projectionSink{server: s}
}

// Post implements mirror.Sink.
func (p *projectionSink) Post(ctx context.Context, payload *mirror.Payload) error {
	raw, err := json.Marshal(eventEnvelope{
		Type:   "mirror",
		Mirror: payload,
		Time:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.server.broadcastRaw(raw)

	if p.server.push != nil {
		return p.server.push.PostMirror(ctx, payload)
	}
	return nil
}

// Cancel implements mirror.Sink. Cancellation is best-effort fanout: the WS
// frame and the push tombstone both carry only the mirror id.
func (p *projectionSink) Cancel(ctx context.Context, mirrorID int64) error {
	raw, err := json.Marshal(eventEnvelope{
		Type:     "cancel",
		MirrorID: mirrorID,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.server.broadcastRaw(raw)

	if p.server.push != nil {
		return p.server.push.CancelMirror(ctx, mirrorID)
	}
	return nil
}
