package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/myuop2024/comms-relay/internal/call"
	"github.com/myuop2024/comms-relay/internal/chat"
	"github.com/myuop2024/comms-relay/internal/events"
	"github.com/myuop2024/comms-relay/internal/registry"
	"github.com/myuop2024/comms-relay/internal/relay"
	"github.com/myuop2024/comms-relay/internal/store"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

// Router dispatches inbound frames to the subsystem that owns the event.
// Frames from one connection are handled on that connection's read
// goroutine, so ordering per sender is inherited from the transport.
type Router struct {
	logger *slog.Logger
	reg    registry.Backend
	chat   *chat.Channel
	calls  *call.Manager
	relay  *relay.Relay
	pub    events.Publisher
}

func NewRouter(logger *slog.Logger, reg registry.Backend, ch *chat.Channel, calls *call.Manager, rel *relay.Relay, pub events.Publisher) *Router {
	r := &Router{
		logger: logger.With(slog.String("component", "router")),
		reg:    reg,
		chat:   ch,
		calls:  calls,
		relay:  rel,
		pub:    pub,
	}
	calls.SetTransitionHandler(r.onCallTransition)
	return r
}

// HandleMessage is the entrypoint for every inbound frame. verifiedUser is
// the identity the upgrade-time token proved; the in-band auth frame must
// claim the same identity before anything else is accepted.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, verifiedUser string, msg []byte) {
	event := gjson.GetBytes(msg, "type").String()
	if event == "" {
		r.notifyError(connID, "", "malformed frame: missing type")
		return
	}
	payload := []byte(gjson.GetBytes(msg, "payload").Raw)

	conn, ok := r.reg.Connection(connID)
	if !ok {
		r.logger.Error("Frame from unknown connection", slog.String("connID", connID.String()))
		return
	}

	if event == wire.EventAuth {
		r.handleAuth(conn, verifiedUser, payload)
		return
	}
	if !conn.Authenticated() {
		r.notifyError(connID, event, "not authenticated: send auth first")
		return
	}
	user := conn.UserID

	switch event {
	case wire.EventChatSend:
		r.handleChatSend(ctx, connID, user, payload)
	case wire.EventChatRead:
		r.handleChatRead(ctx, connID, user, payload)
	case wire.EventChatReadAll:
		r.handleChatReadAll(ctx, connID, user, payload)
	case wire.EventChatHistory:
		r.handleChatHistory(ctx, conn, user, payload)
	case wire.EventChatConversations:
		r.handleChatConversations(ctx, conn, user)
	case wire.EventFileShare:
		r.handleFileShare(ctx, connID, user, payload)
	case wire.EventCallRequest:
		r.handleCallRequest(connID, user, payload)
	case wire.EventCallAnswer:
		r.handleCallAnswer(connID, user, payload)
	case wire.EventCallEnd:
		r.handleCallEnd(connID, user, payload)
	case wire.EventSignal:
		r.handleSignal(connID, user, payload)
	default:
		r.notifyError(connID, event, "unknown event type")
	}
}

// HandleClose runs when a connection is torn down. On the user's last
// connection it hangs up their calls and broadcasts the offline edge.
func (r *Router) HandleClose(connID uuid.UUID) {
	userID, last, err := r.reg.Deregister(connID)
	if err != nil {
		return
	}
	if !last || userID == "" {
		return
	}
	r.calls.HangupAll(userID)
	r.broadcastStatus(userID, false)
}

func (r *Router) handleAuth(conn *registry.Conn, verifiedUser string, payload []byte) {
	var p wire.AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		r.notifyError(conn.ID, wire.EventAuth, "malformed auth payload")
		return
	}
	if p.UserID != verifiedUser {
		r.logger.Warn("Auth frame identity does not match token identity",
			slog.String("claimed", p.UserID),
			slog.String("verified", verifiedUser),
		)
		r.notifyError(conn.ID, wire.EventAuth, "identity mismatch")
		return
	}

	first, err := r.reg.Authenticate(conn.ID, verifiedUser)
	if err != nil {
		r.notifyError(conn.ID, wire.EventAuth, "authentication failed")
		return
	}
	if first {
		r.broadcastStatus(verifiedUser, true)
	}
}

func (r *Router) handleChatSend(ctx context.Context, connID uuid.UUID, user string, payload []byte) {
	var p wire.ChatSendPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" {
		r.notifyError(connID, wire.EventChatSend, "malformed chat payload")
		return
	}
	if _, _, err := r.chat.Send(ctx, user, p.To, p.Content, p.Kind); err != nil {
		r.notifyError(connID, wire.EventChatSend, err.Error())
	}
}

func (r *Router) handleChatRead(ctx context.Context, connID uuid.UUID, user string, payload []byte) {
	var p wire.ChatReadPayload
	if err := json.Unmarshal(payload, &p); err != nil || len(p.MessageIDs) == 0 {
		r.notifyError(connID, wire.EventChatRead, "malformed read payload")
		return
	}
	if _, err := r.chat.MarkRead(ctx, user, p.MessageIDs); err != nil {
		r.notifyError(connID, wire.EventChatRead, err.Error())
	}
}

func (r *Router) handleChatReadAll(ctx context.Context, connID uuid.UUID, user string, payload []byte) {
	var p wire.ChatReadAllPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.From == "" {
		r.notifyError(connID, wire.EventChatReadAll, "malformed read-all payload")
		return
	}
	if _, err := r.chat.MarkAllRead(ctx, user, p.From); err != nil {
		r.notifyError(connID, wire.EventChatReadAll, err.Error())
	}
}

func (r *Router) handleChatHistory(ctx context.Context, conn *registry.Conn, user string, payload []byte) {
	var p wire.ChatHistoryPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.With == "" {
		r.notifyError(conn.ID, wire.EventChatHistory, "malformed history payload")
		return
	}
	msgs, err := r.chat.History(ctx, user, p.With)
	if err != nil {
		r.notifyError(conn.ID, wire.EventChatHistory, err.Error())
		return
	}
	out := wire.ChatHistoryResultPayload{With: p.With, Messages: make([]wire.MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageToWire(m))
	}
	r.sendTo(conn, wire.EventChatHistory, out)
}

func (r *Router) handleChatConversations(ctx context.Context, conn *registry.Conn, user string) {
	convs, err := r.chat.Conversations(ctx, user)
	if err != nil {
		r.notifyError(conn.ID, wire.EventChatConversations, err.Error())
		return
	}
	out := wire.ConversationsResultPayload{Conversations: make([]wire.ConversationPayload, 0, len(convs))}
	for _, cv := range convs {
		out.Conversations = append(out.Conversations, wire.ConversationPayload{
			Peer:   cv.Peer,
			Last:   messageToWire(cv.Last),
			Unread: cv.Unread,
		})
	}
	r.sendTo(conn, wire.EventChatConversations, out)
}

func (r *Router) handleFileShare(ctx context.Context, connID uuid.UUID, user string, payload []byte) {
	var p wire.FileSharePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" || p.Name == "" {
		r.notifyError(connID, wire.EventFileShare, "malformed file payload")
		return
	}
	if _, _, err := r.chat.ShareFile(ctx, user, p.To, p.Name, p.Mime, p.Data); err != nil {
		r.notifyError(connID, wire.EventFileShare, err.Error())
	}
}

func (r *Router) handleCallRequest(connID uuid.UUID, user string, payload []byte) {
	var p wire.CallRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" {
		r.notifyError(connID, wire.EventCallRequest, "malformed call payload")
		return
	}
	media, err := call.ParseMediaKind(p.Media)
	if err != nil {
		r.notifyError(connID, wire.EventCallRequest, err.Error())
		return
	}
	if _, err := r.calls.Request(user, p.To, media); err != nil {
		r.notifyError(connID, wire.EventCallRequest, err.Error())
	}
}

func (r *Router) handleCallAnswer(connID uuid.UUID, user string, payload []byte) {
	var p wire.CallAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.notifyError(connID, wire.EventCallAnswer, "malformed answer payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		r.notifyError(connID, wire.EventCallAnswer, "malformed call id")
		return
	}
	if _, err := r.calls.Answer(callID, user, p.Accept); err != nil {
		r.notifyError(connID, wire.EventCallAnswer, err.Error())
	}
}

func (r *Router) handleCallEnd(connID uuid.UUID, user string, payload []byte) {
	var p wire.CallEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.notifyError(connID, wire.EventCallEnd, "malformed end payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		r.notifyError(connID, wire.EventCallEnd, "malformed call id")
		return
	}
	if _, err := r.calls.End(callID, user, p.Reason); err != nil {
		r.notifyError(connID, wire.EventCallEnd, err.Error())
	}
}

func (r *Router) handleSignal(connID uuid.UUID, user string, payload []byte) {
	var p wire.SignalPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" {
		r.notifyError(connID, wire.EventSignal, "malformed signal payload")
		return
	}
	if err := r.relay.Forward(user, p.To, p.Data); err != nil {
		frame, mErr := wire.Marshal(wire.EventSignalError, wire.SignalErrorPayload{
			To:     p.To,
			Reason: err.Error(),
		})
		if mErr == nil {
			if conn, ok := r.reg.Connection(connID); ok {
				conn.Transport.Send(frame)
			}
		}
		// A dead signaling path means the call cannot progress.
		r.calls.SignalFailure(user, p.To)
	}
}

// onCallTransition is the single fan-out path for call lifecycle state. The
// manager emits outside its lock, on whatever goroutine drove the
// transition.
func (r *Router) onCallTransition(s call.Snapshot) {
	switch s.Status {
	case call.StatusRinging:
		r.fanout(s.Receiver, wire.EventCallIncoming, wire.CallIncomingPayload{
			CallID: s.ID.String(),
			From:   s.Caller,
			Media:  string(s.Media),
		})
		return
	case call.StatusAccepted:
		r.fanoutResponse(s)
	default: // terminal
		r.fanoutResponse(s)
		r.publishCallRecord(s)
	}
}

func (r *Router) fanoutResponse(s call.Snapshot) {
	for _, user := range []string{s.Caller, s.Receiver} {
		r.fanout(user, wire.EventCallResponse, wire.CallResponsePayload{
			CallID: s.ID.String(),
			Peer:   s.Peer(user),
			Status: string(s.Status),
			Reason: s.Reason,
		})
	}
}

func (r *Router) publishCallRecord(s call.Snapshot) {
	rec := events.CallRecord{
		CallID:   s.ID.String(),
		Caller:   s.Caller,
		Receiver: s.Receiver,
		Media:    string(s.Media),
		Status:   string(s.Status),
		Reason:   s.Reason,
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		rec.StartedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		rec.EndedAt = &t
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, events.KeyCall, events.Envelope{Data: rec}); err != nil {
		r.logger.Error("Failed to publish call record", slog.Any("error", err))
	}
}

// broadcastStatus tells every online user about a presence edge and
// exports the same fact to the platform.
func (r *Router) broadcastStatus(userID string, online bool) {
	at := time.Now().UTC()
	frame, err := wire.Marshal(wire.EventUserStatus, wire.UserStatusPayload{
		UserID: userID,
		Online: online,
		At:     at,
	})
	if err != nil {
		return
	}
	for _, conn := range r.reg.AllConnections() {
		if !conn.Authenticated() {
			continue
		}
		conn.Transport.Send(frame)
	}
	r.logger.Info("Presence change", slog.String("userID", userID), slog.Bool("online", online))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = r.pub.Publish(ctx, events.KeyPresence, events.Envelope{
		Data: events.PresenceChange{UserID: userID, Online: online, At: at},
	})
	if err != nil {
		r.logger.Error("Failed to publish presence change", slog.Any("error", err))
	}
}

// fanout delivers one frame to every live connection of a user.
func (r *Router) fanout(userID, event string, payload any) {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		return
	}
	for _, conn := range r.reg.Connections(userID) {
		conn.Send(frame)
	}
}

func (r *Router) sendTo(conn *registry.Conn, event string, payload any) {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		return
	}
	conn.Transport.Send(frame)
}

func messageToWire(m store.Message) wire.MessagePayload {
	return wire.MessagePayload{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Receiver,
		Content:   m.Content,
		Kind:      m.Kind,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		FileMime:  m.FileMime,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}

func (r *Router) notifyError(connID uuid.UUID, event, msg string) {
	conn, ok := r.reg.Connection(connID)
	if !ok {
		return
	}
	frame, err := wire.Marshal(wire.EventNotification, wire.NotificationPayload{
		Level:   "error",
		Event:   event,
		Message: msg,
	})
	if err != nil {
		return
	}
	conn.Transport.Send(frame)
}
