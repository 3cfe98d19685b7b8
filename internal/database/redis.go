package database

import (
	"context"
	"fmt"
	"time"

	"ciflow/pkg/config"
	"ciflow/pkg/queue"
)

// NewRedisQueue builds the queue client from config and checks the connection.
// The caller owns it and must Close it.
func NewRedisQueue(ctx context.Context, cfg *config.RedisConfig) (*queue.RedisQueue, error) {
	q := queue.NewRedisQueue(&queue.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Ping(pingCtx); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("connect redis %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return q, nil
}
