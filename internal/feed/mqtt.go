package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTimeout = 5 * time.Second

type MQTTConfig struct {
	Broker   string
	ClientID string
	// Topic is the prefix; readings go to <topic>/<agent>/<sensor>.
	Topic string
}

func connectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("feed: mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("feed: mqtt connect: %w", err)
	}
	return c, nil
}

func mqttTopic(prefix string, r Reading) string {
	return strings.TrimRight(prefix, "/") + "/" + r.Agent + "/" + r.Sensor
}

type MQTTSubscriber struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client mqtt.Client
}

func NewMQTTSubscriber(cfg MQTTConfig, logger *slog.Logger) *MQTTSubscriber {
	return &MQTTSubscriber{cfg: cfg, logger: logger.With("component", "mqtt-subscriber")}
}

func (s *MQTTSubscriber) handler(rec Recorder) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := Deliver(rec, msg.Payload(), s.logger); err != nil {
			s.logger.Warn("bad reading", "topic", msg.Topic(), "err", err)
		}
	}
}

func (s *MQTTSubscriber) Start(ctx context.Context, rec Recorder) error {
	c, err := connectMQTT(s.cfg)
	if err != nil {
		return err
	}
	filter := strings.TrimRight(s.cfg.Topic, "/") + "/#"
	token := c.Subscribe(filter, 1, s.handler(rec))
	if !token.WaitTimeout(mqttTimeout) || token.Error() != nil {
		c.Disconnect(250)
		return fmt.Errorf("feed: mqtt subscribe %s: %v", filter, token.Error())
	}
	s.client = c
	s.logger.Info("subscribed", "broker", s.cfg.Broker, "filter", filter)
	return nil
}

func (s *MQTTSubscriber) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Unsubscribe(strings.TrimRight(s.cfg.Topic, "/") + "/#").WaitTimeout(time.Second)
	s.client.Disconnect(250)
	return nil
}

type MQTTPublisher struct {
	topic  string
	client mqtt.Client
}

func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	c, err := connectMQTT(cfg)
	if err != nil {
		return nil, err
	}
	return &MQTTPublisher{topic: cfg.Topic, client: c}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, r Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	token := p.client.Publish(mqttTopic(p.topic, r), 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
