// Package bus moves activity envelopes between nodes over Redis pub/sub. The
// internal channel fans every published event out to all nodes; the external
// channel feeds downstream analytics consumers. All Redis calls go through a
// circuit breaker so a dead Redis degrades instead of cascading.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/metrics"
	"github.com/labrook/dino/internal/v1/types"
)

const (
	// InternalChannel carries cluster events every node must see.
	InternalChannel = "dino:node"
	// ExternalChannel carries normalized events for downstream analytics.
	ExternalChannel = "dino:external"
)

// Service is the Redis-backed bus. It implements types.Publisher.
type Service struct {
	client redis.UniversalClient
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

var _ types.Publisher = (*Service)(nil)

// Client returns the underlying Redis client, shared with the session store
// and the health checks.
func (s *Service) Client() redis.UniversalClient {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection before returning.
func NewService(addr, password string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis pub/sub", zap.String("addr", addr))
	return FromClient(rdb, log), nil
}

// FromClient wraps an existing client, used by tests running against
// miniredis.
func FromClient(client redis.UniversalClient, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}
	return &Service{client: client, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

func (s *Service) publish(ctx context.Context, channel string, act *activity.Activity) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := act.Marshal()
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	return err
}

// Publish fans the envelope out to every node over the internal channel.
// Failures propagate to the caller: the dispatcher relies on delegation
// actually reaching the other nodes.
func (s *Service) Publish(ctx context.Context, act *activity.Activity) error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.publish(ctx, InternalChannel, act)
	metrics.RecordPublish("internal", err)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		s.log.Error("internal publish failed",
			zap.String("verb", act.Verb), zap.String("activity_id", act.ID), zap.Error(err))
		return err
	}
	return nil
}

// PublishExternal hands the envelope to downstream analytics. Analytics are
// best effort: an open breaker drops the event instead of failing the caller.
func (s *Service) PublishExternal(ctx context.Context, act *activity.Activity) error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.publish(ctx, ExternalChannel, act)
	metrics.RecordPublish("external", err)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			s.log.Warn("circuit breaker open, dropping external event",
				zap.String("verb", act.Verb), zap.String("activity_id", act.ID))
			return nil
		}
		s.log.Error("external publish failed",
			zap.String("verb", act.Verb), zap.String("activity_id", act.ID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe starts a background goroutine feeding every envelope published on
// the internal channel to handler. The loop stops when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(*activity.Activity)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, InternalChannel)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		s.log.Info("subscribed to internal bus", zap.String("channel", InternalChannel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.log.Warn("bus subscription channel closed", zap.String("channel", InternalChannel))
					return
				}
				act, err := activity.Parse([]byte(msg.Payload))
				if err != nil {
					s.log.Error("failed to parse bus message", zap.Error(err))
					continue
				}
				handler(act)
			}
		}
	}()
}

// Ping checks Redis connectivity, used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
