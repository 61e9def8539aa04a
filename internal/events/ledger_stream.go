package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dealbridge/backend/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is one ledger event read from the stream together with the
// number of times it has already been handed back for a retry.
type Delivery struct {
	ID       string
	Event    models.LedgerEvent
	Attempts int
}

// LedgerStream is a durable, replayable queue of decoded ledger events on a
// Redis stream. Delivery is at least once: an entry stays pending in the
// consumer group until it is acked, and a restarted consumer first drains
// its own pending entries before reading new ones. Entries handed back with
// a delay wait in a sorted set scored by due time and rejoin the stream
// once due.
type LedgerStream struct {
	client   redis.UniversalClient
	stream   string
	delayed  string
	group    string
	consumer string
	pending  bool
	now      func() time.Time
	log      *zap.Logger
}

type delayedEntry struct {
	Event    models.LedgerEvent `json:"event"`
	Attempts int                `json:"attempts"`
}

func NewLedgerStream(client redis.UniversalClient, stream, group, consumer string, log *zap.Logger) *LedgerStream {
	return &LedgerStream{
		client:   client,
		stream:   stream,
		delayed:  stream + ":delayed",
		group:    group,
		consumer: consumer,
		pending:  true,
		now:      time.Now,
		log:      log,
	}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (s *LedgerStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.group, err)
	}
	return nil
}

// Append adds an event to the stream.
func (s *LedgerStream) Append(ctx context.Context, ev models.LedgerEvent) (string, error) {
	return s.add(ctx, ev, 0)
}

func (s *LedgerStream) add(ctx context.Context, ev models.LedgerEvent, attempts int) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event":    string(data),
			"attempts": attempts,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return id, nil
}

// Read returns up to count deliveries. block < 0 returns immediately when
// nothing is available.
func (s *LedgerStream) Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	if err := s.promoteDue(ctx, count); err != nil {
		return nil, err
	}
	if s.pending {
		out, err := s.read(ctx, "0", count, -1)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
		s.pending = false
	}
	return s.read(ctx, ">", count, block)
}

func (s *LedgerStream) read(ctx context.Context, start string, count int64, block time.Duration) ([]Delivery, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", s.stream, err)
	}

	var out []Delivery
	for _, st := range res {
		for _, msg := range st.Messages {
			d, err := decodeDelivery(msg)
			if err != nil {
				// A malformed entry can never be applied; drop it.
				s.log.Error("dropping malformed ledger stream entry", zap.String("id", msg.ID), zap.Error(err))
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func decodeDelivery(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("entry has no event field")
	}
	var ev models.LedgerEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Delivery{}, err
	}
	attempts := 0
	if a, ok := msg.Values["attempts"].(string); ok {
		attempts, _ = strconv.Atoi(a)
	}
	return Delivery{ID: msg.ID, Event: ev, Attempts: attempts}, nil
}

func (s *LedgerStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.stream, s.group, ids...).Err()
}

// Retry hands d back with its attempt counter incremented and acks the
// original entry. With a positive delay the event is not delivered again
// before the delay has passed.
func (s *LedgerStream) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	if delay <= 0 {
		if _, err := s.add(ctx, d.Event, d.Attempts+1); err != nil {
			return err
		}
		return s.Ack(ctx, d.ID)
	}

	member, err := json.Marshal(delayedEntry{Event: d.Event, Attempts: d.Attempts + 1})
	if err != nil {
		return err
	}
	due := s.now().Add(delay)
	if err := s.client.ZAdd(ctx, s.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", s.delayed, err)
	}
	return s.Ack(ctx, d.ID)
}

// promoteDue moves delayed entries whose due time has passed back onto the
// stream. The entry is removed only after it is re-added, so a crash in
// between produces a duplicate delivery rather than a lost one.
func (s *LedgerStream) promoteDue(ctx context.Context, count int64) error {
	due, err := s.client.ZRangeByScore(ctx, s.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore %s: %w", s.delayed, err)
	}

	for _, member := range due {
		var e delayedEntry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			s.log.Error("dropping malformed delayed ledger entry", zap.String("member", member), zap.Error(err))
			_ = s.client.ZRem(ctx, s.delayed, member).Err()
			continue
		}
		if _, err := s.add(ctx, e.Event, e.Attempts); err != nil {
			return err
		}
		if err := s.client.ZRem(ctx, s.delayed, member).Err(); err != nil {
			return fmt.Errorf("zrem %s: %w", s.delayed, err)
		}
	}
	return nil
}

// Delayed returns the number of events waiting for their retry time.
func (s *LedgerStream) Delayed(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.delayed).Result()
}
