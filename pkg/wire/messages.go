package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types carried in Envelope.Type. One envelope per frame.
const (
	TypeFindMatch  = "find_match"
	TypeMatchFound = "match_found"
	TypeMove       = "move"
	TypeEndGame    = "end_game"
	TypeGameOver   = "game_over"
	TypePing       = "ping"
)

// Side assignment communicated by the server in match_found.
const (
	ColorWhite = "white"
	ColorBlack = "black"
)

// End-of-game reasons carried in game_over frames. Clients reporting a finish
// they detected locally use the same vocabulary.
const (
	ReasonCheckmate            = "checkmate"
	ReasonDraw                 = "draw"
	ReasonAborted              = "aborted"
	ReasonOpponentDisconnected = "opponent_disconnected"
)

// Envelope wraps every frame exchanged with the coordination server.
// The "type" field selects the payload shape; extra fields are ignored.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type FindMatch struct {
	UserID string `json:"user_id"`
}

type MatchFound struct {
	GameID   string `json:"game_id"`
	Opponent string `json:"opponent"`
	Color    string `json:"color"`
}

// Move is a single candidate or accepted move in coordinate form.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the move in UCI coordinate notation (e.g. "e7e8q").
func (m Move) UCI() string {
	return strings.ToLower(m.From + m.To + m.Promotion)
}

type MoveMsg struct {
	GameID string `json:"game_id"`
	Move   Move   `json:"move"`
}

// EndGame aborts the sender's current game. An empty game id means the sender
// is abandoning its search and should be removed from the waiting queue.
type EndGame struct {
	GameID string `json:"game_id"`
}

type GameOver struct {
	GameID  string `json:"game_id"`
	Message string `json:"message"`
}

type Ping struct{}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode returns the concrete payload for env. It fails closed: an unknown
// type or an undecodable payload yields an error and the caller drops the
// frame. Unknown extra fields inside a known payload are ignored.
func Decode(env *Envelope) (any, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	switch env.Type {
	case TypeFindMatch:
		var p FindMatch
		return &p, unmarshal(env, &p)
	case TypeMatchFound:
		var p MatchFound
		return &p, unmarshal(env, &p)
	case TypeMove:
		var p MoveMsg
		return &p, unmarshal(env, &p)
	case TypeEndGame:
		var p EndGame
		return &p, unmarshal(env, &p)
	case TypeGameOver:
		var p GameOver
		return &p, unmarshal(env, &p)
	case TypePing:
		return &Ping{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func unmarshal(env *Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}
