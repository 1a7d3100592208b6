package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/san-kum/simcap/internal/config"
	"github.com/san-kum/simcap/internal/feed"
	"github.com/san-kum/simcap/internal/remote"
	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/session"
)

// serveWorld runs the configured world behind the HTTP stepping bridge.
// With an mqtt or kafka feed every sensor reading is also published, so a
// capture in another process can subscribe to it.
func serveWorld(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := session.NewWorld(cfg, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
		if err := feed.Bridge(ctx, w, configuredKinds(cfg), pub, logger); err != nil {
			return err
		}
		logger.Info("publishing readings", "feed", cfg.Feed.Kind, "brokers", cfg.Feed.Brokers, "topic", cfg.Feed.Topic)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           remote.NewServer(w, logger).Handler(os.Stderr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving world", "addr", addr, "mode", cfg.Mode, "agents", len(cfg.Agents))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newPublisher(cfg *config.Config) (feed.Publisher, error) {
	switch cfg.Feed.Kind {
	case "mqtt":
		clientID := cfg.Feed.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("simcap-serve-%d", time.Now().UnixNano())
		}
		pub, err := feed.NewMQTTPublisher(feed.MQTTConfig{Broker: cfg.Feed.Brokers[0], ClientID: clientID, Topic: cfg.Feed.Topic})
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "kafka":
		return feed.NewKafkaPublisher(feed.KafkaConfig{Brokers: cfg.Feed.Brokers, Topic: cfg.Feed.Topic}), nil
	}
	return nil, nil
}

// configuredKinds is the union of the sensors named by any agent.
func configuredKinds(cfg *config.Config) []sensors.Kind {
	seen := make(map[sensors.Kind]bool)
	var kinds []sensors.Kind
	for _, a := range cfg.Agents {
		for _, name := range a.Sensors {
			k, err := sensors.ParseKind(name)
			if err != nil || seen[k] {
				continue
			}
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}
