package matchserver

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

const queueKey = "arena:queue"

// Queue is the first-available waiting list. Pairing is strictly FIFO; there
// is no rating or quality criterion.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue { return &Queue{rdb: rdb} }

// TakeOrEnqueue pops the longest-waiting player, skipping the caller itself.
// When nobody suitable is waiting the caller is appended and "" is returned.
func (q *Queue) TakeOrEnqueue(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	for {
		candidate, err := q.rdb.LPop(ctx, queueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return "", err
		}
		if candidate == userID {
			// the caller re-queued; drop the stale entry and keep looking
			continue
		}
		return candidate, nil
	}
	if err := q.rdb.RPush(ctx, queueKey, userID).Err(); err != nil {
		return "", err
	}
	return "", nil
}

// Remove deletes every waiting entry for userID, e.g. on disconnect.
func (q *Queue) Remove(ctx context.Context, userID string) error {
	return q.rdb.LRem(ctx, queueKey, 0, strings.TrimSpace(userID)).Err()
}
