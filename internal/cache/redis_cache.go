package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

const DefaultTTL = 24 * time.Hour

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ OutcomeCache   = (*RedisCache)(nil)
	_ ArrivalDeduper = (*RedisCache)(nil)
	_ OutcomeCache   = Nop{}
	_ ArrivalDeduper = Nop{}
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type outcomeValue struct {
	State             model.State      `json:"state"`
	SendStatus        model.SendStatus `json:"sendStatus"`
	Sender            string           `json:"sender"`
	ReplyText         *string          `json:"replyText,omitempty"`
	ExternalMessageID *string          `json:"externalMessageId,omitempty"`
	ProcessedAt       *time.Time       `json:"processedAt,omitempty"`
}

func outcomeKey(id int64) string {
	return fmt.Sprintf("sms:outcome:%d", id)
}

func arrivalKey(key string) string {
	return "sms:arrival:" + key
}

func (c *RedisCache) StoreOutcome(ctx context.Context, m model.Message) error {
	val := outcomeValue{
		State:             m.State,
		SendStatus:        m.SendStatus,
		Sender:            m.Sender,
		ReplyText:         m.ReplyText,
		ExternalMessageID: m.ExternalMessageID,
	}
	if m.ProcessedAt != nil {
		t := m.ProcessedAt.UTC()
		val.ProcessedAt = &t
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, outcomeKey(m.ID), b, c.ttl).Err()
}

func (c *RedisCache) MarkSeen(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, arrivalKey(key), 1, c.ttl).Result()
}

func (c *RedisCache) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, arrivalKey(key)).Err()
}
