package resolver

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kapu/chess-arena-go/internal/rules"
	"github.com/kapu/chess-arena-go/pkg/wire"
)

// defaultPromotion is a UX policy, not a rules decision: a pawn reaching the
// last rank without an explicit choice becomes a queen.
const defaultPromotion = "q"

// Session is the slice of the session machine the resolver needs.
type Session interface {
	SubmitMove(ctx context.Context, mv wire.Move) error
	CurrentPosition(ctx context.Context) (*rules.Position, error)
}

// Outcome reports what a board interaction produced: either an advisory
// highlight set or exactly one submitted move.
type Outcome struct {
	Highlights []string
	Submitted  bool
	Move       *wire.Move
}

// Resolver turns raw board interactions (clicks and drags) into at most one
// well-formed move per gesture. Rules legality and turn ownership are two
// independent gates; a turn rejection surfaces so the board can revert.
type Resolver struct {
	eng  rules.Engine
	sess Session
	log  *zap.Logger

	pending    string
	highlights map[string]struct{}
}

func New(eng rules.Engine, sess Session, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{eng: eng, sess: sess, log: log}
}

// Select handles a click on a square.
//
// With no pending selection, clicking a square with legal moves selects it
// and returns the destinations as highlights; anything else is a no-op. With
// a pending selection, clicking a highlighted destination submits the move;
// clicking anywhere else re-resolves the click as a fresh selection.
func (r *Resolver) Select(ctx context.Context, square string) (*Outcome, error) {
	square = strings.ToLower(strings.TrimSpace(square))
	if square == "" {
		return &Outcome{}, nil
	}
	pos, err := r.sess.CurrentPosition(ctx)
	if err != nil {
		return nil, err
	}

	if r.pending != "" {
		if _, ok := r.highlights[square]; ok {
			mv := r.compose(pos, r.pending, square)
			r.Reset()
			if err := r.sess.SubmitMove(ctx, mv); err != nil {
				return nil, err
			}
			return &Outcome{Submitted: true, Move: &mv}, nil
		}
		// not a highlighted destination: fall through and treat the click
		// as a replacement selection
	}

	dests := r.eng.LegalDestinations(pos, square)
	if len(dests) == 0 {
		r.Reset()
		return &Outcome{}, nil
	}
	r.pending = square
	r.highlights = make(map[string]struct{}, len(dests))
	for _, d := range dests {
		r.highlights[d] = struct{}{}
	}
	sort.Strings(dests)
	return &Outcome{Highlights: dests}, nil
}

// Drop handles a completed drag gesture as a full move candidate.
func (r *Resolver) Drop(ctx context.Context, from, to string) (*Outcome, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	pos, err := r.sess.CurrentPosition(ctx)
	if err != nil {
		return nil, err
	}
	mv := r.compose(pos, from, to)
	r.Reset()
	if err := r.sess.SubmitMove(ctx, mv); err != nil {
		return nil, err
	}
	return &Outcome{Submitted: true, Move: &mv}, nil
}

// Pending returns the currently selected square, if any.
func (r *Resolver) Pending() string { return r.pending }

// Reset clears any pending selection, e.g. when the game ends.
func (r *Resolver) Reset() {
	r.pending = ""
	r.highlights = nil
}

func (r *Resolver) compose(pos *rules.Position, from, to string) wire.Move {
	mv := wire.Move{From: from, To: to}
	if r.eng.NeedsPromotion(pos, from, to) {
		mv.Promotion = defaultPromotion
	}
	return mv
}
