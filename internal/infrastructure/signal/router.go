package signal

import (
	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/utils"
	"castrelay/pkg/validation"

	"go.uber.org/zap"
)

type handlerFunc func(connID domain.ConnectionID, env *domain.Envelope)

// Router dispatches admitted inbound envelopes by type. Signaling
// messages are relayed verbatim; stream and chat messages go to the
// room directory.
type Router struct {
	registry *Registry
	rooms    *Directory
	handlers map[domain.MessageType]handlerFunc

	logger  *zap.SugaredLogger
	metrics *monitoring.Collector
}

func NewRouter(registry *Registry, rooms *Directory, logger *zap.SugaredLogger, metrics *monitoring.Collector) *Router {
	rt := &Router{
		registry: registry,
		rooms:    rooms,
		logger:   logger,
		metrics:  metrics,
	}
	rt.handlers = map[domain.MessageType]handlerFunc{
		domain.MessageOffer:        rt.relaySignaling,
		domain.MessageAnswer:       rt.relaySignaling,
		domain.MessageICECandidate: rt.relaySignaling,
		domain.MessageJoinStream:   rt.handleJoinStream,
		domain.MessageLeaveStream:  rt.handleLeaveStream,
		domain.MessageChat:         rt.handleChat,
	}
	return rt
}

// Dispatch routes one admitted envelope. The sender id is always taken
// from the registry, never trusted from the wire.
func (rt *Router) Dispatch(connID domain.ConnectionID, env *domain.Envelope) {
	userID, ok := rt.registry.UserID(connID)
	if !ok {
		return
	}
	env.SenderID = userID

	h, ok := rt.handlers[env.Type]
	if !ok {
		rt.logger.Debugw("no handler for message type, dropping",
			"connection_id", connID, "type", env.Type)
		rt.metrics.MessageDropped()
		return
	}
	h(connID, env)
}

// relaySignaling forwards offer/answer/ice envelopes. A target id wins
// over room fan-out; without either the message is dropped.
func (rt *Router) relaySignaling(connID domain.ConnectionID, env *domain.Envelope) {
	if env.TargetID != "" {
		if !rt.registry.SendToUser(env.TargetID, env) {
			rt.logger.Debugw("signaling target offline, dropping",
				"connection_id", connID, "target_id", env.TargetID, "type", env.Type)
			rt.metrics.MessageDropped()
		}
		return
	}

	if env.StreamID != "" {
		rt.rooms.Broadcast(env.StreamID, env, connID)
		return
	}

	rt.logger.Debugw("signaling message without target or stream, dropping",
		"connection_id", connID, "type", env.Type)
	rt.metrics.MessageDropped()
}

func (rt *Router) handleJoinStream(connID domain.ConnectionID, env *domain.Envelope) {
	streamID := env.StreamID
	if streamID == "" {
		if v, ok := env.Data["stream_id"].(string); ok {
			streamID = domain.StreamID(v)
		}
	}
	if streamID == "" {
		rt.registry.Send(connID, domain.NewErrorEnvelope("join_stream requires a stream_id"))
		return
	}
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		rt.registry.Send(connID, domain.NewErrorEnvelope(err.Error()))
		return
	}

	if !rt.rooms.Join(connID, streamID) {
		rt.registry.Send(connID, domain.NewErrorEnvelope("Failed to join stream"))
		return
	}

	rt.rooms.ReplayHistory(connID, streamID)
	rt.registry.Send(connID, domain.NewSuccessEnvelope(map[string]interface{}{
		"message":   "Joined stream successfully",
		"stream_id": string(streamID),
	}))
}

func (rt *Router) handleLeaveStream(connID domain.ConnectionID, env *domain.Envelope) {
	rt.rooms.Leave(connID)
	rt.registry.Send(connID, domain.NewSuccessEnvelope(map[string]interface{}{
		"message": "Left stream successfully",
	}))
}

func (rt *Router) handleChat(connID domain.ConnectionID, env *domain.Envelope) {
	content, _ := env.Data["content"].(string)
	if utils.IsEmpty(content) {
		return
	}
	rt.rooms.PostChat(connID, content)
}
