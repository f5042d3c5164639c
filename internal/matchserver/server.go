package matchserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chess-arena-go/internal/rules"
	"github.com/kapu/chess-arena-go/pkg/wire"
)

type client struct {
	userID string
	conn   *websocket.Conn
	writeM sync.Mutex
}

func (c *client) write(ctx context.Context, env *wire.Envelope) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, c.conn, env)
}

// Server pairs waiting clients first-come-first-served and relays validated
// moves between the two sides of each game.
type Server struct {
	eng   rules.Engine
	store *Store
	queue *Queue
	log   *zap.Logger

	mu      sync.Mutex
	clients map[string]*client // userID -> connection
	playing map[string]string  // userID -> active game id
}

func New(eng rules.Engine, store *Store, queue *Queue, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		eng:     eng,
		store:   store,
		queue:   queue,
		log:     log,
		clients: make(map[string]*client),
		playing: make(map[string]string),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn}
	defer s.disconnect(cl)
	s.serve(r.Context(), cl)
}

func (s *Server) serve(ctx context.Context, cl *client) {
	for {
		_, data, err := cl.conn.Read(ctx)
		if err != nil {
			return
		}
		var env wire.Envelope
		if uerr := json.Unmarshal(data, &env); uerr != nil || env.Type == "" {
			s.log.Warn("server_malformed_frame", zap.Int("bytes", len(data)))
			continue
		}
		payload, derr := wire.Decode(&env)
		if derr != nil {
			s.log.Warn("server_frame_dropped", zap.Error(derr))
			continue
		}
		switch p := payload.(type) {
		case *wire.FindMatch:
			s.handleFindMatch(ctx, cl, p)
		case *wire.MoveMsg:
			s.handleMove(ctx, cl, p)
		case *wire.EndGame:
			s.handleEndGame(ctx, cl, p)
		case *wire.Ping:
			// ws-level pings keep the connection alive; nothing to do
		default:
			s.log.Warn("server_frame_ignored", zap.String("type", env.Type))
		}
	}
}

func (s *Server) handleFindMatch(ctx context.Context, cl *client, p *wire.FindMatch) {
	if p.UserID == "" {
		return
	}
	s.mu.Lock()
	cl.userID = p.UserID
	s.clients[p.UserID] = cl
	s.mu.Unlock()

	for {
		opponent, err := s.queue.TakeOrEnqueue(ctx, p.UserID)
		if err != nil {
			s.log.Error("queue_error", zap.String("user_id", p.UserID), zap.Error(err))
			return
		}
		if opponent == "" {
			s.log.Info("queue_waiting", zap.String("user_id", p.UserID))
			return
		}
		s.mu.Lock()
		oc := s.clients[opponent]
		s.mu.Unlock()
		if oc == nil {
			// the waiting player left before being paired; keep looking
			continue
		}
		s.startGame(ctx, cl, oc)
		return
	}
}

func (s *Server) startGame(ctx context.Context, a, b *client) {
	whiteID, blackID := a.userID, b.userID
	if n, _ := rand.Int(rand.Reader, big.NewInt(2)); n != nil && n.Int64() == 0 {
		whiteID, blackID = blackID, whiteID
	}
	start := s.eng.StartingPosition()
	g := &Game{
		ID:        uuid.NewString(),
		WhiteID:   whiteID,
		BlackID:   blackID,
		FEN:       start.FEN(),
		Turn:      wire.ColorWhite,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.Save(ctx, g); err != nil {
		s.log.Error("game_save_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.playing[whiteID] = g.ID
	s.playing[blackID] = g.ID
	s.mu.Unlock()

	s.log.Info("game_started",
		zap.String("game_id", g.ID),
		zap.String("white_id", whiteID),
		zap.String("black_id", blackID),
	)
	s.notifyMatch(ctx, a, g)
	s.notifyMatch(ctx, b, g)
}

func (s *Server) notifyMatch(ctx context.Context, cl *client, g *Game) {
	env, err := wire.NewEnvelope(wire.TypeMatchFound, wire.MatchFound{
		GameID:   g.ID,
		Opponent: g.Opponent(cl.userID),
		Color:    g.Color(cl.userID),
	})
	if err != nil {
		return
	}
	if werr := cl.write(ctx, env); werr != nil {
		s.log.Warn("match_found_send_failed", zap.String("user_id", cl.userID), zap.Error(werr))
	}
}

func (s *Server) handleMove(ctx context.Context, cl *client, p *wire.MoveMsg) {
	g, err := s.store.Load(ctx, p.GameID)
	if err != nil || g == nil || g.Status != StatusActive {
		s.log.Warn("move_for_unknown_game", zap.String("game_id", p.GameID))
		return
	}
	color := g.Color(cl.userID)
	if color == "" || color != g.Turn {
		s.log.Warn("move_out_of_turn",
			zap.String("game_id", g.ID),
			zap.String("user_id", cl.userID),
		)
		return
	}
	pos, err := s.positionOf(g)
	if err != nil {
		s.log.Error("game_replay_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	next, err := s.eng.ApplyMove(pos, p.Move)
	if err != nil {
		// clients validate locally, so an illegal move here is a broken or
		// desynced peer; drop it
		s.log.Warn("move_rejected",
			zap.String("game_id", g.ID),
			zap.String("uci", p.Move.UCI()),
			zap.Error(err),
		)
		return
	}

	g.MovesUCI = next.MovesUCI()
	g.FEN = next.FEN()
	g.Turn = next.SideToMove()
	g.UpdatedAt = time.Now()
	outcome := next.Outcome()
	switch outcome {
	case wire.ColorWhite:
		g.Status = StatusFinished
		g.Winner = g.WhiteID
		g.Outcome = outcome
	case wire.ColorBlack:
		g.Status = StatusFinished
		g.Winner = g.BlackID
		g.Outcome = outcome
	case "draw":
		g.Status = StatusFinished
		g.Outcome = outcome
	}
	if err := s.store.Save(ctx, g); err != nil {
		s.log.Error("game_save_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	s.log.Info("move_relayed",
		zap.String("game_id", g.ID),
		zap.String("user_id", cl.userID),
		zap.String("uci", p.Move.UCI()),
		zap.String("turn", g.Turn),
	)

	if env, err := wire.NewEnvelope(wire.TypeMove, wire.MoveMsg{GameID: g.ID, Move: p.Move}); err == nil {
		s.sendTo(ctx, g.Opponent(cl.userID), env)
	}

	if g.Status == StatusFinished {
		reason := wire.ReasonCheckmate
		if g.Outcome == "draw" {
			reason = wire.ReasonDraw
		}
		s.finishGame(ctx, g, reason, "")
	}
}

func (s *Server) handleEndGame(ctx context.Context, cl *client, p *wire.EndGame) {
	if p.GameID == "" {
		// the client abandoned its search before being paired
		if cl.userID == "" {
			return
		}
		if err := s.queue.Remove(ctx, cl.userID); err != nil {
			s.log.Warn("queue_remove_failed", zap.String("user_id", cl.userID), zap.Error(err))
			return
		}
		s.log.Info("queue_left", zap.String("user_id", cl.userID))
		return
	}
	g, err := s.store.Load(ctx, p.GameID)
	if err != nil || g == nil || g.Status != StatusActive {
		return
	}
	if g.Color(cl.userID) == "" {
		return
	}
	g.Status = StatusAborted
	g.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, g); err != nil {
		s.log.Error("game_save_failed", zap.String("game_id", g.ID), zap.Error(err))
	}
	s.log.Info("game_aborted", zap.String("game_id", g.ID), zap.String("user_id", cl.userID))
	// the aborting side already transitioned locally; only the peer needs to hear
	s.finishGame(ctx, g, wire.ReasonAborted, cl.userID)
}

// finishGame clears the playing index and tells the participants, minus
// skipUserID, that the game is over.
func (s *Server) finishGame(ctx context.Context, g *Game, reason, skipUserID string) {
	s.mu.Lock()
	delete(s.playing, g.WhiteID)
	delete(s.playing, g.BlackID)
	s.mu.Unlock()
	env, err := wire.NewEnvelope(wire.TypeGameOver, wire.GameOver{GameID: g.ID, Message: reason})
	if err != nil {
		return
	}
	for _, uid := range []string{g.WhiteID, g.BlackID} {
		if uid == skipUserID {
			continue
		}
		s.sendTo(ctx, uid, env)
	}
}

func (s *Server) disconnect(cl *client) {
	_ = cl.conn.Close(websocket.StatusNormalClosure, "bye")
	if cl.userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	if s.clients[cl.userID] == cl {
		delete(s.clients, cl.userID)
	}
	gameID := s.playing[cl.userID]
	s.mu.Unlock()

	if err := s.queue.Remove(ctx, cl.userID); err != nil {
		s.log.Warn("queue_remove_failed", zap.String("user_id", cl.userID), zap.Error(err))
	}
	if gameID == "" {
		return
	}
	g, err := s.store.Load(ctx, gameID)
	if err != nil || g == nil || g.Status != StatusActive {
		return
	}
	g.Status = StatusAborted
	g.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, g); err != nil {
		s.log.Error("game_save_failed", zap.String("game_id", g.ID), zap.Error(err))
	}
	s.log.Info("game_abandoned", zap.String("game_id", g.ID), zap.String("user_id", cl.userID))
	s.finishGame(ctx, g, wire.ReasonOpponentDisconnected, cl.userID)
}

func (s *Server) sendTo(ctx context.Context, userID string, env *wire.Envelope) {
	s.mu.Lock()
	cl := s.clients[userID]
	s.mu.Unlock()
	if cl == nil {
		s.log.Warn("peer_not_connected", zap.String("user_id", userID))
		return
	}
	if err := cl.write(ctx, env); err != nil {
		s.log.Warn("relay_send_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Server) positionOf(g *Game) (*rules.Position, error) {
	pos := s.eng.StartingPosition()
	for _, uci := range g.MovesUCI {
		if len(uci) < 4 {
			return nil, fmt.Errorf("corrupt stored move %q", uci)
		}
		mv := wire.Move{From: uci[:2], To: uci[2:4]}
		if len(uci) > 4 {
			mv.Promotion = uci[4:]
		}
		next, err := s.eng.ApplyMove(pos, mv)
		if err != nil {
			return nil, err
		}
		pos = next
	}
	return pos, nil
}
