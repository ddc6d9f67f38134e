package call

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/myuop2024/comms-relay/internal/registry"
)

var (
	ErrSelfCall       = errors.New("call: cannot call yourself")
	ErrCallInProgress = errors.New("call: a session is already active for this pair")
	ErrUnknownSession = errors.New("call: unknown session")
	ErrNotParticipant = errors.New("call: user is not part of this session")
	ErrNotReceiver    = errors.New("call: only the receiver may answer")
)

// TransitionFunc observes every session transition. Other components react
// to these snapshots; nobody mutates a session from outside.
type TransitionFunc func(s Snapshot)

// Manager owns all CallSession records. It enforces the one-non-terminal-
// session-per-ordered-pair rule at the request boundary and runs the ring
// timer so no call rings forever.
type Manager struct {
	mu     sync.Mutex
	byPair map[pairKey]*Session
	byID   map[uuid.UUID]*Session
	timers map[uuid.UUID]*time.Timer

	reg          registry.Backend
	ringTimeout  time.Duration
	onTransition TransitionFunc
	logger       *slog.Logger
}

type pairKey struct {
	caller   string
	receiver string
}

func NewManager(reg registry.Backend, ringTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		byPair:      make(map[pairKey]*Session),
		byID:        make(map[uuid.UUID]*Session),
		timers:      make(map[uuid.UUID]*time.Timer),
		reg:         reg,
		ringTimeout: ringTimeout,
		logger:      logger.With(slog.String("component", "call_manager")),
	}
}

// SetTransitionHandler wires the observer. Must be called before any
// session is created; the handler runs outside the manager lock.
func (m *Manager) SetTransitionHandler(fn TransitionFunc) {
	m.onTransition = fn
}

func (m *Manager) emit(s Snapshot) {
	if m.onTransition != nil {
		m.onTransition(s)
	}
}

// Request creates a new session in ringing state. If the receiver is
// offline the session transitions to missed immediately rather than
// ringing against an absent peer; both transitions are emitted so the
// observed sequence is exactly ringing, missed.
func (m *Manager) Request(caller, receiver string, media MediaKind) (Snapshot, error) {
	if caller == receiver {
		return Snapshot{}, ErrSelfCall
	}

	key := pairKey{caller: caller, receiver: receiver}

	m.mu.Lock()
	if _, busy := m.byPair[key]; busy {
		m.mu.Unlock()
		return Snapshot{}, ErrCallInProgress
	}

	sess := newSession(caller, receiver, media)
	ringing := sess.Snapshot()

	if m.reg.ConnectionCount(receiver) == 0 {
		// Never indexed: the session is terminal before anyone could
		// address it.
		m.mu.Unlock()
		sess.Miss(ReasonReceiverOffline)
		m.logger.Info("Call missed: receiver offline",
			slog.String("caller", caller), slog.String("receiver", receiver))
		m.emit(ringing)
		missed := sess.Snapshot()
		m.emit(missed)
		return missed, nil
	}

	m.byPair[key] = sess
	m.byID[sess.ID()] = sess
	if m.ringTimeout > 0 {
		id := sess.ID()
		m.timers[id] = time.AfterFunc(m.ringTimeout, func() {
			m.miss(id, ReasonRingTimeout)
		})
	}
	m.mu.Unlock()

	m.logger.Info("Call ringing",
		slog.String("callID", sess.ID().String()),
		slog.String("caller", caller),
		slog.String("receiver", receiver),
		slog.String("media", string(media)),
	)
	m.emit(ringing)
	return ringing, nil
}

// Answer resolves a ringing session. Only the receiver may answer.
func (m *Manager) Answer(callID uuid.UUID, userID string, accept bool) (Snapshot, error) {
	m.mu.Lock()
	sess, ok := m.byID[callID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, ErrUnknownSession
	}
	if sess.Receiver() != userID {
		m.mu.Unlock()
		return Snapshot{}, ErrNotReceiver
	}

	if accept {
		if err := sess.Accept(); err != nil {
			m.mu.Unlock()
			return Snapshot{}, err
		}
		m.stopTimerLocked(callID)
		m.mu.Unlock()
	} else {
		if err := sess.Reject(); err != nil {
			m.mu.Unlock()
			return Snapshot{}, err
		}
		m.removeLocked(sess)
		m.mu.Unlock()
	}

	snap := sess.Snapshot()
	m.logger.Info("Call answered",
		slog.String("callID", callID.String()),
		slog.String("status", string(snap.Status)),
	)
	m.emit(snap)
	return snap, nil
}

// End terminates a session on behalf of either participant. An accepted
// call becomes ended; a ringing call ended by its caller becomes missed
// with reason cancelled.
func (m *Manager) End(callID uuid.UUID, userID, reason string) (Snapshot, error) {
	m.mu.Lock()
	sess, ok := m.byID[callID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, ErrUnknownSession
	}
	if userID != sess.Caller() && userID != sess.Receiver() {
		m.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	if reason == "" {
		reason = ReasonHangup
	}

	var err error
	switch sess.Status() {
	case StatusRinging:
		if userID != sess.Caller() {
			m.mu.Unlock()
			return Snapshot{}, ErrNotReceiver // receiver resolves ringing via Answer
		}
		err = sess.Miss(ReasonCancelled)
	default:
		err = sess.End(reason)
	}
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.removeLocked(sess)
	m.mu.Unlock()

	snap := sess.Snapshot()
	m.logger.Info("Call ended",
		slog.String("callID", callID.String()),
		slog.String("by", userID),
		slog.String("reason", snap.Reason),
	)
	m.emit(snap)
	return snap, nil
}

// SignalFailure reacts to a failed signaling forward between two peers. A
// ringing session misses; an accepted one ends with a distinguished
// reason. Reports whether a session between the pair was affected.
func (m *Manager) SignalFailure(sender, receiver string) (Snapshot, bool) {
	m.mu.Lock()
	sess, ok := m.byPair[pairKey{caller: sender, receiver: receiver}]
	if !ok {
		sess, ok = m.byPair[pairKey{caller: receiver, receiver: sender}]
	}
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, false
	}

	var err error
	if sess.Status() == StatusRinging {
		err = sess.Miss(ReasonReceiverOffline)
	} else {
		err = sess.End(ReasonSignalFailed)
	}
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, false
	}
	m.removeLocked(sess)
	m.mu.Unlock()

	snap := sess.Snapshot()
	m.logger.Warn("Call torn down after signaling failure",
		slog.String("callID", snap.ID.String()),
		slog.String("status", string(snap.Status)),
	)
	m.emit(snap)
	return snap, true
}

// HangupAll ends every non-terminal session the user participates in. The
// registry calls this when an identity goes offline so no call dangles
// against a gone peer.
func (m *Manager) HangupAll(userID string) []Snapshot {
	m.mu.Lock()
	var affected []*Session
	for _, sess := range m.byID {
		if sess.Caller() == userID || sess.Receiver() == userID {
			affected = append(affected, sess)
		}
	}
	var out []Snapshot
	for _, sess := range affected {
		var err error
		if sess.Status() == StatusRinging {
			err = sess.Miss(ReasonDisconnected)
		} else {
			err = sess.End(ReasonDisconnected)
		}
		if err != nil {
			continue
		}
		m.removeLocked(sess)
		out = append(out, sess.Snapshot())
	}
	m.mu.Unlock()

	for _, snap := range out {
		m.logger.Info("Call ended by disconnect",
			slog.String("callID", snap.ID.String()),
			slog.String("userID", userID),
		)
		m.emit(snap)
	}
	return out
}

// ActiveBetween reports the non-terminal session for the ordered pair.
func (m *Manager) ActiveBetween(caller, receiver string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byPair[pairKey{caller: caller, receiver: receiver}]
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// miss is the ring-timer path. Losing the race against Answer is fine: the
// transition simply fails and nothing is emitted.
func (m *Manager) miss(callID uuid.UUID, reason string) {
	m.mu.Lock()
	sess, ok := m.byID[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err := sess.Miss(reason); err != nil {
		m.mu.Unlock()
		return
	}
	m.removeLocked(sess)
	m.mu.Unlock()

	snap := sess.Snapshot()
	m.logger.Info("Call missed",
		slog.String("callID", callID.String()),
		slog.String("reason", reason),
	)
	m.emit(snap)
}

// removeLocked drops a terminal session from every index and stops its
// timer. Callers hold m.mu.
func (m *Manager) removeLocked(sess *Session) {
	delete(m.byPair, pairKey{caller: sess.Caller(), receiver: sess.Receiver()})
	delete(m.byID, sess.ID())
	m.stopTimerLocked(sess.ID())
}

func (m *Manager) stopTimerLocked(callID uuid.UUID) {
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}
