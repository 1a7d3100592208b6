package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func kafkaMessage(r Reading) (kafka.Message, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(r.SeriesID()), Value: b}, nil
}

type KafkaSubscriber struct {
	cfg    KafkaConfig
	logger *slog.Logger
	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSubscriber(cfg KafkaConfig, logger *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{cfg: cfg, logger: logger.With("component", "kafka-subscriber")}
}

func (s *KafkaSubscriber) Start(ctx context.Context, rec Recorder) error {
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		GroupID:     s.cfg.GroupID,
		Topic:       s.cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, rec)
	}()
	s.logger.Info("consuming", "brokers", s.cfg.Brokers, "topic", s.cfg.Topic)
	return nil
}

func (s *KafkaSubscriber) consume(ctx context.Context, rec Recorder) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("read failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := Deliver(rec, msg.Value, s.logger); err != nil {
			s.logger.Warn("bad reading", "key", string(msg.Key), "offset", msg.Offset, "err", err)
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, r Reading) error {
	msg, err := kafkaMessage(r)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
