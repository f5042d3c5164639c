package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kapu/chess-arena-go/pkg/wire"
)

var ErrIllegalMove = errors.New("illegal move")

// Engine is the rules boundary consumed by the session and the resolver.
// Positions are immutable handles; applying a move yields a new Position.
type Engine interface {
	StartingPosition() *Position
	ApplyMove(pos *Position, mv wire.Move) (*Position, error)
	LegalDestinations(pos *Position, from string) []string
	NeedsPromotion(pos *Position, from, to string) bool
}

// Position holds a full board state reachable from the standard start by the
// recorded UCI moves. The embedded game is rebuilt once at construction and
// only queried afterwards.
type Position struct {
	moves []string
	game  *nchess.Game
}

// FEN returns the full FEN of the position.
func (p *Position) FEN() string { return p.game.FEN() }

// SideToMove reports whose move it is, wire.ColorWhite or wire.ColorBlack.
func (p *Position) SideToMove() string {
	if p.game.Position().Turn() == nchess.White {
		return wire.ColorWhite
	}
	return wire.ColorBlack
}

// MoveCount is the number of half-moves played so far.
func (p *Position) MoveCount() int { return len(p.moves) }

// MovesUCI returns a copy of the half-moves applied from the start position.
func (p *Position) MovesUCI() []string {
	return append([]string(nil), p.moves...)
}

// Outcome reports "white", "black" or "draw" when the game has ended by the
// rules, and "" while play continues.
func (p *Position) Outcome() string {
	switch p.game.Outcome() {
	case nchess.WhiteWon:
		return wire.ColorWhite
	case nchess.BlackWon:
		return wire.ColorBlack
	case nchess.Draw:
		return "draw"
	default:
		return ""
	}
}

type engine struct{}

// New returns the chess rules engine backed by corentings/chess.
func New() Engine { return engine{} }

func (engine) StartingPosition() *Position {
	return &Position{game: nchess.NewGame()}
}

func (engine) ApplyMove(pos *Position, mv wire.Move) (*Position, error) {
	if pos == nil {
		return nil, fmt.Errorf("%w: no position", ErrIllegalMove)
	}
	uci := mv.UCI()
	if uci == "" {
		return nil, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	moves := append(pos.MovesUCI(), uci)
	game, err := replay(moves)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return &Position{moves: moves, game: game}, nil
}

func (engine) LegalDestinations(pos *Position, from string) []string {
	if pos == nil {
		return nil
	}
	from = strings.ToLower(strings.TrimSpace(from))
	if from == "" {
		return nil
	}
	cur := pos.game.Position()
	notation := nchess.UCINotation{}
	var dests []string
	for _, to := range allSquares() {
		if to == from {
			continue
		}
		if _, err := notation.Decode(cur, from+to); err == nil {
			dests = append(dests, to)
			continue
		}
		// pawn reaching the last rank only decodes with a promotion suffix
		if _, err := notation.Decode(cur, from+to+"q"); err == nil {
			dests = append(dests, to)
		}
	}
	return dests
}

func (engine) NeedsPromotion(pos *Position, from, to string) bool {
	if pos == nil {
		return false
	}
	cur := pos.game.Position()
	notation := nchess.UCINotation{}
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to))
	if _, err := notation.Decode(cur, uci); err == nil {
		return false
	}
	_, err := notation.Decode(cur, uci+"q")
	return err == nil
}

// replay rebuilds a game from the start position by applying UCI moves; any
// illegal move fails the whole replay.
func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, err
		}
	}
	return game, nil
}

func allSquares() []string {
	squares := make([]string, 0, 64)
	for f := byte('a'); f <= 'h'; f++ {
		for r := byte('1'); r <= '8'; r++ {
			squares = append(squares, string([]byte{f, r}))
		}
	}
	return squares
}
