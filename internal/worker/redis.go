package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrecall/internal/models"
	"chatrecall/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeUser    = "user"
	scopeSession = "session"
)

type invalidateMessage struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
}

// bufferSnapshot is the cached form of a session buffer.
type bufferSnapshot struct {
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id"`
	Turns     []models.Turn `json:"turns"`
}

// stateRedis shares buffer snapshots between instances and tells them
// when to drop their copies. A nil *stateRedis does nothing.
type stateRedis struct {
	client *redis.Client
	origin string
}

func newStateCache(client *redis.Client, origin string) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, origin: origin}
}

func bufferKey(userID, sessionID string) string {
	return fmt.Sprintf("worker:buffer:%s:%s", userID, sessionID)
}

// startListener subscribes to invalidations published by other instances.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || r.client == nil || handler == nil {
		return nil
	}
	payloads, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		for payload := range payloads {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(payload), &inv); err != nil {
				log.Printf("worker invalidation decode failed: %v", err)
				continue
			}
			if inv.Origin == r.origin {
				continue
			}
			handler(inv)
		}
	}()
	return nil
}

// publishInvalidation broadcasts an invalidation to other instances
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Printf("worker publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheBuffer(userID, sessionID string, turns []models.Turn) {
	if r == nil || r.client == nil || userID == "" || sessionID == "" {
		return
	}
	snap := bufferSnapshot{UserID: userID, SessionID: sessionID, Turns: turns}
	if err := r.client.SetJSON(context.Background(), bufferKey(userID, sessionID), snap, redisStateTTL); err != nil {
		log.Printf("worker rdb buffer failed: %v", err)
	}
}

// loadBuffer returns the cached window of a session, only when it belongs
// to userID.
func (r *stateRedis) loadBuffer(userID, sessionID string) ([]models.Turn, bool) {
	if r == nil || r.client == nil || userID == "" || sessionID == "" {
		return nil, false
	}
	var snap bufferSnapshot
	if err := r.client.GetJSON(context.Background(), bufferKey(userID, sessionID), &snap); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("worker load buffer rdb failed: %v", err)
		}
		return nil, false
	}
	if snap.UserID != userID || snap.SessionID != sessionID {
		return nil, false
	}
	for _, t := range snap.Turns {
		if t.UserID != "" && t.UserID != userID {
			return nil, false
		}
	}
	return snap.Turns, true
}

func (r *stateRedis) invalidateSession(userID, sessionID string) {
	if r == nil || r.client == nil || sessionID == "" {
		return
	}
	if err := r.client.Del(context.Background(), bufferKey(userID, sessionID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("worker invalidate buffer rdb failed: %v", err)
	}
}

// invalidateUser removes every cached buffer of userID.
func (r *stateRedis) invalidateUser(userID string) {
	if r == nil || r.client == nil || userID == "" {
		return
	}
	if _, err := r.client.DeleteMatching(context.Background(), bufferKey(userID, "*")); err != nil {
		log.Printf("worker invalidate user rdb failed: %v", err)
	}
}
