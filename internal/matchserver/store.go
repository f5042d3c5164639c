package matchserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Game lifecycle on the server side.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
	StatusAborted  Status = "ABORTED"
)

// Game is the server's record of one live match.
type Game struct {
	ID        string    `json:"id"`
	WhiteID   string    `json:"white_id"`
	BlackID   string    `json:"black_id"`
	MovesUCI  []string  `json:"moves_uci"`
	FEN       string    `json:"fen"`
	Turn      string    `json:"turn"`
	Status    Status    `json:"status"`
	Winner    string    `json:"winner,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Opponent returns the other participant, or "" when userID is not in the game.
func (g *Game) Opponent(userID string) string {
	switch userID {
	case g.WhiteID:
		return g.BlackID
	case g.BlackID:
		return g.WhiteID
	default:
		return ""
	}
}

// Color returns the side userID plays, or "".
func (g *Game) Color(userID string) string {
	switch userID {
	case g.WhiteID:
		return "white"
	case g.BlackID:
		return "black"
	default:
		return ""
	}
}

const gameTTL = 24 * time.Hour

// Store keeps game records in Redis with a TTL; finished games age out.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Save(ctx context.Context, g *Game) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, gameKey(g.ID), raw, gameTTL).Err()
}

func (s *Store) Load(ctx context.Context, id string) (*Game, error) {
	raw, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func gameKey(id string) string { return "arena:game:" + strings.TrimSpace(id) }

// ParseRedisURL turns a redis:// URL into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
