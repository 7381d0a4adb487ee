package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/internal/common"
)

// RedisSink publishes events on a redis pub/sub channel. The dashboard's
// websocket layer subscribes and fans out to the uploader's live session.
type RedisSink struct {
	rdb     *goredis.Client
	channel string
	log     *zap.SugaredLogger
}

type envelope struct {
	UserID uuid.UUID `json:"userId"`
	Event  Event     `json:"event"`
}

func NewRedisSink(cfg common.RedisConfig, log *zap.SugaredLogger) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSink{rdb: rdb, channel: cfg.Channel, log: log}, nil
}

func (s *RedisSink) Send(ctx context.Context, userID uuid.UUID, event Event) error {
	raw, err := json.Marshal(envelope{UserID: userID, Event: event})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, raw).Err()
}

func (s *RedisSink) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
