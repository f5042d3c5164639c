package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/kapu/chess-arena-go/internal/identity"
	"github.com/kapu/chess-arena-go/internal/rules"
	"github.com/kapu/chess-arena-go/pkg/wire"
)

// fakeSender records outbound envelopes and can be told to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []*wire.Envelope
	err  error
}

func (f *fakeSender) Send(ctx context.Context, env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) last(t *testing.T) *wire.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newMachine(t *testing.T, sender *fakeSender) *Machine {
	t.Helper()
	m := New(rules.New(), identity.Static{UserID: "alice"}, sender, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func inbound(t *testing.T, m *Machine, typ string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", typ, err)
	}
	m.HandleEnvelope(env)
}

// startGame drives the machine into an active game with the given color.
func startGame(t *testing.T, m *Machine, gameID, color string) {
	t.Helper()
	if err := m.FindMatch(context.Background()); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	inbound(t, m, wire.TypeMatchFound, wire.MatchFound{GameID: gameID, Opponent: "bob", Color: color})
	snap, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Phase != PhaseActive || snap.GameID != gameID {
		t.Fatalf("game did not start: %+v", snap)
	}
}

func TestFindMatchUnauthenticated(t *testing.T) {
	sender := &fakeSender{}
	m := New(rules.New(), identity.Static{}, sender, nil, nil)
	t.Cleanup(m.Close)

	if err := m.FindMatch(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("unauthenticated search must not reach the wire")
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %s, want idle", snap.Phase)
	}
}

func TestFindMatchSendsRequest(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)

	if err := m.FindMatch(context.Background()); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	env := sender.last(t)
	if env.Type != wire.TypeFindMatch {
		t.Fatalf("sent type %s, want find_match", env.Type)
	}
	var fm wire.FindMatch
	if err := json.Unmarshal(env.Payload, &fm); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if fm.UserID != "alice" {
		t.Fatalf("user_id = %q", fm.UserID)
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseSearching {
		t.Fatalf("phase = %s, want searching", snap.Phase)
	}

	if err := m.FindMatch(context.Background()); !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("second search: got %v, want ErrSessionInProgress", err)
	}
}

func TestMatchFoundAssignsTurnFromColor(t *testing.T) {
	for color, want := range map[string]Owner{
		wire.ColorWhite: OwnerLocal,
		wire.ColorBlack: OwnerRemote,
	} {
		sender := &fakeSender{}
		m := newMachine(t, sender)
		startGame(t, m, "g1", color)
		snap, _ := m.Snapshot(context.Background())
		if snap.Turn != want {
			t.Fatalf("color %s: turn = %s, want %s", color, snap.Turn, want)
		}
		if snap.Opponent != "bob" || snap.Color != color {
			t.Fatalf("color %s: snapshot %+v", color, snap)
		}
		m.Close()
	}
}

func TestMatchFoundBadColorDropped(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	if err := m.FindMatch(context.Background()); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	inbound(t, m, wire.TypeMatchFound, wire.MatchFound{GameID: "g1", Opponent: "bob", Color: "purple"})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseSearching {
		t.Fatalf("bad color must not start a game, phase = %s", snap.Phase)
	}
}

func TestMatchFoundOutsideSearchingIgnored(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	inbound(t, m, wire.TypeMatchFound, wire.MatchFound{GameID: "g1", Opponent: "bob", Color: wire.ColorWhite})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseIdle {
		t.Fatalf("unsolicited match_found started a game: %+v", snap)
	}
}

func TestSubmitMoveFlipsTurn(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	if err := m.SubmitMove(context.Background(), wire.Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	env := sender.last(t)
	if env.Type != wire.TypeMove {
		t.Fatalf("sent type %s, want move", env.Type)
	}
	var mm wire.MoveMsg
	if err := json.Unmarshal(env.Payload, &mm); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if mm.GameID != "g1" || mm.Move.UCI() != "e2e4" {
		t.Fatalf("unexpected move frame: %+v", mm)
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Turn != OwnerRemote || snap.MoveCount != 1 {
		t.Fatalf("after submit: %+v", snap)
	}

	if err := m.SubmitMove(context.Background(), wire.Move{From: "d2", To: "d4"}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("second submit: got %v, want ErrNotYourTurn", err)
	}
}

func TestSubmitMoveAsBlackOutOfTurn(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorBlack)

	if err := m.SubmitMove(context.Background(), wire.Move{From: "e7", To: "e5"}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("got %v, want ErrNotYourTurn", err)
	}
}

func TestSubmitMoveIllegalRejected(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)
	before := sender.count()

	if err := m.SubmitMove(context.Background(), wire.Move{From: "e2", To: "e5"}); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("got %v, want ErrIllegalMove", err)
	}
	if sender.count() != before {
		t.Fatalf("illegal move reached the wire")
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Turn != OwnerLocal || snap.MoveCount != 0 {
		t.Fatalf("illegal move changed state: %+v", snap)
	}
}

func TestSubmitMoveSendFailureLeavesPositionUnchanged(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	dropErr := errors.New("link down")
	sender.fail(dropErr)
	if err := m.SubmitMove(context.Background(), wire.Move{From: "e2", To: "e4"}); !errors.Is(err, dropErr) {
		t.Fatalf("got %v, want the transport error", err)
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Turn != OwnerLocal || snap.MoveCount != 0 || snap.Phase != PhaseActive {
		t.Fatalf("dropped send changed state: %+v", snap)
	}

	// link back up: the same move goes through on the next try
	sender.fail(nil)
	if err := m.SubmitMove(context.Background(), wire.Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("retry after reconnect: %v", err)
	}
}

func TestRemoteMoveApplies(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorBlack)

	inbound(t, m, wire.TypeMove, wire.MoveMsg{GameID: "g1", Move: wire.Move{From: "e2", To: "e4"}})
	snap, _ := m.Snapshot(context.Background())
	if snap.Turn != OwnerLocal || snap.MoveCount != 1 {
		t.Fatalf("remote move not applied: %+v", snap)
	}

	if err := m.SubmitMove(context.Background(), wire.Move{From: "e7", To: "e5"}); err != nil {
		t.Fatalf("reply move: %v", err)
	}
}

func TestRemoteMoveStaleGameIgnored(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g2", wire.ColorBlack)

	inbound(t, m, wire.TypeMove, wire.MoveMsg{GameID: "g1", Move: wire.Move{From: "e2", To: "e4"}})
	snap, _ := m.Snapshot(context.Background())
	if snap.MoveCount != 0 || snap.Turn != OwnerRemote {
		t.Fatalf("stale game id applied a move: %+v", snap)
	}
}

func TestRemoteMoveDuringLocalTurnDropped(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	inbound(t, m, wire.TypeMove, wire.MoveMsg{GameID: "g1", Move: wire.Move{From: "e7", To: "e5"}})
	snap, _ := m.Snapshot(context.Background())
	if snap.MoveCount != 0 || snap.Turn != OwnerLocal {
		t.Fatalf("out of turn remote move applied: %+v", snap)
	}
}

func TestRemoteMoveIllegalDropped(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorBlack)

	inbound(t, m, wire.TypeMove, wire.MoveMsg{GameID: "g1", Move: wire.Move{From: "e2", To: "e6"}})
	snap, _ := m.Snapshot(context.Background())
	if snap.MoveCount != 0 || snap.Turn != OwnerRemote {
		t.Fatalf("illegal remote move applied: %+v", snap)
	}
}

func TestGameOverEndsSession(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	inbound(t, m, wire.TypeGameOver, wire.GameOver{GameID: "g1", Message: "opponent_disconnected"})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseEnded || snap.EndReason != "opponent_disconnected" || snap.Turn != OwnerNone {
		t.Fatalf("game_over not applied: %+v", snap)
	}

	if err := m.SubmitMove(context.Background(), wire.Move{From: "e2", To: "e4"}); !errors.Is(err, ErrNoActiveGame) {
		t.Fatalf("move after game over: got %v, want ErrNoActiveGame", err)
	}
}

func TestGameOverStaleGameIgnored(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g2", wire.ColorWhite)

	inbound(t, m, wire.TypeGameOver, wire.GameOver{GameID: "g1", Message: "aborted"})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseActive {
		t.Fatalf("stale game_over ended the session: %+v", snap)
	}
}

func TestStaleGameOverDoesNotEndNewSearch(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	inbound(t, m, wire.TypeGameOver, wire.GameOver{GameID: "g1", Message: "aborted"})
	if err := m.FindMatch(context.Background()); err != nil {
		t.Fatalf("FindMatch after end: %v", err)
	}
	// the old game's id is gone; a duplicate game_over for it changes nothing
	inbound(t, m, wire.TypeGameOver, wire.GameOver{GameID: "g1", Message: "aborted"})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseSearching {
		t.Fatalf("late game_over ended the new search: %+v", snap)
	}
}

func TestEndSearchTellsServer(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	if err := m.FindMatch(context.Background()); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if err := m.EndGame(context.Background()); err != nil {
		t.Fatalf("EndGame: %v", err)
	}
	env := sender.last(t)
	if env.Type != wire.TypeEndGame {
		t.Fatalf("search abort sent %s, want end_game", env.Type)
	}
	var eg wire.EndGame
	if err := json.Unmarshal(env.Payload, &eg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if eg.GameID != "" {
		t.Fatalf("search abort carried game id %q", eg.GameID)
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseEnded {
		t.Fatalf("phase = %s, want ended", snap.Phase)
	}
}

func TestEndGameSendsAndEnds(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	if err := m.EndGame(context.Background()); err != nil {
		t.Fatalf("EndGame: %v", err)
	}
	env := sender.last(t)
	if env.Type != wire.TypeEndGame {
		t.Fatalf("sent type %s, want end_game", env.Type)
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseEnded || snap.EndReason != "aborted" {
		t.Fatalf("end not applied: %+v", snap)
	}

	if err := m.EndGame(context.Background()); !errors.Is(err, ErrNoActiveGame) {
		t.Fatalf("second end: got %v, want ErrNoActiveGame", err)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	m.HandleEnvelope(&wire.Envelope{Type: "nonsense", Payload: json.RawMessage(`{}`)})
	m.HandleEnvelope(&wire.Envelope{Type: wire.TypeMove, Payload: json.RawMessage(`"oops"`)})
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseActive || snap.MoveCount != 0 {
		t.Fatalf("malformed frames changed state: %+v", snap)
	}
}

func TestCheckmateEndsSessionLocally(t *testing.T) {
	sender := &fakeSender{}
	m := newMachine(t, sender)
	startGame(t, m, "g1", wire.ColorWhite)

	// scholar's mate, local plays white
	local := []wire.Move{
		{From: "e2", To: "e4"},
		{From: "f1", To: "c4"},
		{From: "d1", To: "h5"},
		{From: "h5", To: "f7"},
	}
	remote := []wire.Move{
		{From: "e7", To: "e5"},
		{From: "b8", To: "c6"},
		{From: "g8", To: "f6"},
	}
	for i, mv := range local {
		if err := m.SubmitMove(context.Background(), mv); err != nil {
			t.Fatalf("local move %d: %v", i, err)
		}
		if i < len(remote) {
			inbound(t, m, wire.TypeMove, wire.MoveMsg{GameID: "g1", Move: remote[i]})
		}
	}
	snap, _ := m.Snapshot(context.Background())
	if snap.Phase != PhaseEnded || snap.EndReason != wire.ReasonCheckmate {
		t.Fatalf("checkmate not detected: %+v", snap)
	}
}

func TestCloseStopsMachine(t *testing.T) {
	sender := &fakeSender{}
	m := New(rules.New(), identity.Static{UserID: "alice"}, sender, nil, nil)
	m.Close()
	m.Close() // idempotent

	if err := m.FindMatch(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if _, err := m.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
