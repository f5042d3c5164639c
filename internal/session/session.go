package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kapu/chess-arena-go/internal/identity"
	"github.com/kapu/chess-arena-go/internal/rules"
	"github.com/kapu/chess-arena-go/pkg/wire"
)

// Phase is the lifecycle of the local client.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSearching Phase = "searching"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
)

// Owner says which side may submit the next move.
type Owner string

const (
	OwnerLocal  Owner = "local"
	OwnerRemote Owner = "remote"
	OwnerNone   Owner = "none"
)

var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrNoActiveGame      = errors.New("no active game")
	ErrSessionInProgress = errors.New("session already in progress")
	ErrClosed            = errors.New("session machine closed")
)

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(ctx context.Context, env *wire.Envelope) error
}

// Snapshot is a copy of the machine state safe to hand to the UI.
type Snapshot struct {
	Phase     Phase
	GameID    string
	LocalID   string
	Opponent  string
	Color     string
	Turn      Owner
	FEN       string
	MoveCount int
	EndReason string
}

// UpdateFunc receives a snapshot after every state change. Called from the
// machine goroutine; implementations must not call back into the machine.
type UpdateFunc func(Snapshot)

type cmdKind int

const (
	cmdFindMatch cmdKind = iota
	cmdSubmitMove
	cmdEndGame
	cmdInbound
	cmdSnapshot
	cmdPosition
)

type command struct {
	kind   cmdKind
	userID string
	mv     wire.Move
	env    *wire.Envelope

	errC  chan error
	snapC chan Snapshot
	posC  chan *rules.Position
}

// Machine is the per-client session authority. All mutation flows through a
// single inbox so inbound transport messages and local commands never race.
type Machine struct {
	eng      rules.Engine
	ident    identity.Provider
	send     Sender
	log      *zap.Logger
	onUpdate UpdateFunc

	inbox chan command

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// owned by the run goroutine
	phase     Phase
	gameID    string
	localID   string
	opponent  string
	color     string
	pos       *rules.Position
	turn      Owner
	endReason string
}

func New(eng rules.Engine, ident identity.Provider, send Sender, log *zap.Logger, onUpdate UpdateFunc) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		eng:      eng,
		ident:    ident,
		send:     send,
		log:      log,
		onUpdate: onUpdate,
		inbox:    make(chan command, 16),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		phase:    PhaseIdle,
		turn:     OwnerNone,
	}
	go m.run()
	return m
}

// Close stops the machine goroutine. Pending commands fail with ErrClosed.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// FindMatch resolves the local identity and starts searching. Without an
// identity it fails with ErrNotAuthenticated and changes nothing.
func (m *Machine) FindMatch(ctx context.Context) error {
	userID, err := m.ident.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return ErrNotAuthenticated
		}
		return err
	}
	return m.post(ctx, command{kind: cmdFindMatch, userID: userID, errC: make(chan error, 1)})
}

// SubmitMove plays a local move. It fails with ErrNotYourTurn out of turn,
// rules.ErrIllegalMove for bad moves, and the transport error when the send
// is dropped; in every failure case the position is unchanged.
func (m *Machine) SubmitMove(ctx context.Context, mv wire.Move) error {
	return m.post(ctx, command{kind: cmdSubmitMove, mv: mv, errC: make(chan error, 1)})
}

// EndGame aborts the current search or game. Legal from Searching and Active.
func (m *Machine) EndGame(ctx context.Context) error {
	return m.post(ctx, command{kind: cmdEndGame, errC: make(chan error, 1)})
}

// HandleEnvelope feeds an inbound transport frame into the event queue.
// Intended as the transport OnMessage handler; never blocks on machine state.
func (m *Machine) HandleEnvelope(env *wire.Envelope) {
	select {
	case m.inbox <- command{kind: cmdInbound, env: env}:
	case <-m.stopCh:
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	cmd := command{kind: cmdSnapshot, snapC: make(chan Snapshot, 1)}
	select {
	case m.inbox <- cmd:
	case <-m.stopCh:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-cmd.snapC:
		return s, nil
	case <-m.stopCh:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// CurrentPosition returns the immutable position handle of the live session,
// or nil outside Active/Ended.
func (m *Machine) CurrentPosition(ctx context.Context) (*rules.Position, error) {
	cmd := command{kind: cmdPosition, posC: make(chan *rules.Position, 1)}
	select {
	case m.inbox <- cmd:
	case <-m.stopCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case p := <-cmd.posC:
		return p, nil
	case <-m.stopCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Machine) post(ctx context.Context, cmd command) error {
	select {
	case m.inbox <- cmd:
	case <-m.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.errC:
		return err
	case <-m.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			return
		case cmd := <-m.inbox:
			switch cmd.kind {
			case cmdFindMatch:
				cmd.errC <- m.findMatch(cmd.userID)
			case cmdSubmitMove:
				cmd.errC <- m.submitMove(cmd.mv)
			case cmdEndGame:
				cmd.errC <- m.endGame()
			case cmdInbound:
				m.handleInbound(cmd.env)
			case cmdSnapshot:
				cmd.snapC <- m.snapshot()
			case cmdPosition:
				cmd.posC <- m.pos
			}
		}
	}
}

func (m *Machine) findMatch(userID string) error {
	if m.phase == PhaseSearching || m.phase == PhaseActive {
		return ErrSessionInProgress
	}
	env, err := wire.NewEnvelope(wire.TypeFindMatch, wire.FindMatch{UserID: userID})
	if err != nil {
		return err
	}
	if err := m.send.Send(context.Background(), env); err != nil {
		return err
	}
	// a new search overwrites whatever session was left behind; late
	// messages for the old game id become no-ops
	m.localID = userID
	m.gameID = ""
	m.opponent = ""
	m.color = ""
	m.pos = nil
	m.turn = OwnerNone
	m.endReason = ""
	m.phase = PhaseSearching
	m.log.Info("session_search_started", zap.String("user_id", userID))
	m.notify()
	return nil
}

func (m *Machine) submitMove(mv wire.Move) error {
	if m.phase != PhaseActive {
		return ErrNoActiveGame
	}
	if m.turn != OwnerLocal {
		return ErrNotYourTurn
	}
	next, err := m.eng.ApplyMove(m.pos, mv)
	if err != nil {
		return err
	}
	env, err := wire.NewEnvelope(wire.TypeMove, wire.MoveMsg{GameID: m.gameID, Move: mv})
	if err != nil {
		return err
	}
	// send first: a dropped send must leave the position unchanged, the move
	// is lost rather than queued
	if err := m.send.Send(context.Background(), env); err != nil {
		return err
	}
	m.pos = next
	m.turn = OwnerRemote
	m.log.Info("session_move_submitted",
		zap.String("game_id", m.gameID),
		zap.String("uci", mv.UCI()),
	)
	m.maybeFinish()
	m.notify()
	return nil
}

func (m *Machine) endGame() error {
	if m.phase != PhaseSearching && m.phase != PhaseActive {
		return ErrNoActiveGame
	}
	// an empty game id tells the server to drop our queue entry; either way
	// the frame is best effort and the local transition happens regardless
	if env, err := wire.NewEnvelope(wire.TypeEndGame, wire.EndGame{GameID: m.gameID}); err == nil {
		_ = m.send.Send(context.Background(), env)
	}
	m.phase = PhaseEnded
	m.turn = OwnerNone
	m.endReason = wire.ReasonAborted
	m.log.Info("session_ended_locally", zap.String("game_id", m.gameID))
	m.notify()
	return nil
}

func (m *Machine) handleInbound(env *wire.Envelope) {
	payload, err := wire.Decode(env)
	if err != nil {
		m.log.Warn("session_frame_dropped", zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case *wire.MatchFound:
		m.onMatchFound(p)
	case *wire.MoveMsg:
		m.onRemoteMove(p)
	case *wire.GameOver:
		m.onGameOver(p)
	case *wire.Ping:
		// keepalive, nothing to do
	default:
		m.log.Warn("session_frame_ignored", zap.String("type", env.Type))
	}
}

func (m *Machine) onMatchFound(p *wire.MatchFound) {
	if m.phase != PhaseSearching {
		m.log.Warn("session_match_found_ignored", zap.String("phase", string(m.phase)))
		return
	}
	if p.Color != wire.ColorWhite && p.Color != wire.ColorBlack {
		m.log.Warn("session_match_found_dropped", zap.String("color", p.Color))
		return
	}
	// a new session discards any prior one
	m.gameID = p.GameID
	m.opponent = p.Opponent
	m.color = p.Color
	m.pos = m.eng.StartingPosition()
	m.endReason = ""
	// turn ownership comes from the server-assigned color, never a default
	if p.Color == wire.ColorWhite {
		m.turn = OwnerLocal
	} else {
		m.turn = OwnerRemote
	}
	m.phase = PhaseActive
	m.log.Info("session_match_found",
		zap.String("game_id", p.GameID),
		zap.String("opponent", p.Opponent),
		zap.String("color", p.Color),
	)
	m.notify()
}

func (m *Machine) onRemoteMove(p *wire.MoveMsg) {
	// stale or foreign game ids are a silent no-op in every phase
	if m.phase != PhaseActive || p.GameID != m.gameID {
		m.log.Debug("session_stale_move_dropped", zap.String("game_id", p.GameID))
		return
	}
	if m.turn != OwnerRemote {
		// the submitting side owns authority for its own turn; a remote move
		// arriving during our turn is a race or duplicate
		m.log.Warn("session_remote_move_out_of_turn", zap.String("game_id", p.GameID))
		return
	}
	next, err := m.eng.ApplyMove(m.pos, p.Move)
	if err != nil {
		m.log.Warn("session_remote_move_illegal",
			zap.String("game_id", p.GameID),
			zap.String("uci", p.Move.UCI()),
			zap.Error(err),
		)
		return
	}
	m.pos = next
	m.turn = OwnerLocal
	m.log.Info("session_move_applied",
		zap.String("game_id", p.GameID),
		zap.String("uci", p.Move.UCI()),
	)
	m.maybeFinish()
	m.notify()
}

func (m *Machine) onGameOver(p *wire.GameOver) {
	if m.gameID == "" || p.GameID != m.gameID {
		m.log.Debug("session_stale_game_over_dropped", zap.String("game_id", p.GameID))
		return
	}
	if m.phase != PhaseActive && m.phase != PhaseSearching {
		return
	}
	m.phase = PhaseEnded
	m.turn = OwnerNone
	m.endReason = p.Message
	m.log.Info("session_game_over",
		zap.String("game_id", p.GameID),
		zap.String("reason", p.Message),
	)
	m.notify()
}

// maybeFinish ends the session locally when the rules report a result. The
// server also announces game_over; whichever arrives first wins and the
// other is a no-op.
func (m *Machine) maybeFinish() {
	if m.pos == nil {
		return
	}
	outcome := m.pos.Outcome()
	if outcome == "" {
		return
	}
	// same reason vocabulary as the server's game_over frames
	reason := wire.ReasonCheckmate
	if outcome == "draw" {
		reason = wire.ReasonDraw
	}
	m.phase = PhaseEnded
	m.turn = OwnerNone
	m.endReason = reason
	m.log.Info("session_finished_by_rules",
		zap.String("game_id", m.gameID),
		zap.String("outcome", outcome),
	)
}

func (m *Machine) snapshot() Snapshot {
	s := Snapshot{
		Phase:     m.phase,
		GameID:    m.gameID,
		LocalID:   m.localID,
		Opponent:  m.opponent,
		Color:     m.color,
		Turn:      m.turn,
		EndReason: m.endReason,
	}
	if m.pos != nil {
		s.FEN = m.pos.FEN()
		s.MoveCount = m.pos.MoveCount()
	}
	return s
}

func (m *Machine) notify() {
	if m.onUpdate != nil {
		m.onUpdate(m.snapshot())
	}
}
