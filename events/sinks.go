package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// LogSink writes events to a structured logger. Chunks go to debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Type == TypeTaskChunk {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "event", "type", e.Type, "run_id", e.RunID, "data", e.Data)
	return nil
}

func (s *LogSink) Close() error { return nil }

// NATSSink publishes each event as JSON on <subject>.<type>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url. The connection reconnects forever.
func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentforge"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", url)
	}
	return &NATSSink{conn: nc, subject: subject}, nil
}

func (s *NATSSink) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(natsSubject(s.subject, e.Type), data)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

func natsSubject(base string, t Type) string {
	return base + "." + strings.ReplaceAll(string(t), " ", "_")
}

// RedisSink publishes each event as JSON on one pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", addr)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }

// FromConfig builds a bus with a log sink plus whichever brokers cfg names.
// A broker that cannot be reached is skipped with a warning.
func FromConfig(ctx context.Context, cfg config.Events, logger *slog.Logger) *Bus {
	bus := NewBus(logger, NewLogSink(logger))
	if cfg.NATSURL != "" {
		if s, err := NewNATSSink(cfg.NATSURL, cfg.NATSSubject, logger); err != nil {
			logger.Warn("nats event sink disabled", "error", err)
		} else {
			bus.AddSink(s)
		}
	}
	if cfg.RedisAddr != "" {
		if s, err := NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisChannel); err != nil {
			logger.Warn("redis event sink disabled", "error", err)
		} else {
			bus.AddSink(s)
		}
	}
	return bus
}
