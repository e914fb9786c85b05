package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ffes2mqtt/bridge"
	"ffes2mqtt/metrics"
	"ffes2mqtt/mqtt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sessionCheckInterval is how often run looks for a new MQTT session to resubscribe.
const sessionCheckInterval = 2 * time.Second

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the controller and bridge it to MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.config.ValidateMqtt(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	config := a.config
	module := config.ModuleName()
	availability := bridge.AvailabilityTopic(config.Mqtt.Prefix, module)

	m := metrics.New(module)
	w := a.newWatcher(m)

	client := mqtt.New(&mqtt.Config{
		Server:      config.Mqtt.Server,
		ClientID:    config.Mqtt.ClientID,
		Username:    config.Mqtt.Username,
		Password:    config.Mqtt.Password,
		Insecure:    config.Mqtt.Insecure,
		WillTopic:   availability,
		WillPayload: bridge.OFFLINE,
		Logger:      a.logger,
	})

	b := bridge.New(&bridge.Config{
		ModuleName:    module,
		TopicPrefix:   config.Mqtt.Prefix,
		Publish:       client.Publish,
		Subscribe:     client.Subscribe,
		Device:        w,
		AverageWindow: config.AverageWindow,
		Logger:        a.logger,
	})

	if config.Metrics != "" {
		go func() {
			if err := m.Serve(ctx, config.Metrics, a.logger); err != nil {
				a.logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- w.Run(ctx)
	}()

	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()
	var sessionID int
	a.startBridge(b, client, &sessionID)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-watchDone:
			a.logger.Error("watcher stopped", zap.Error(err))
			break loop
		case <-ticker.C:
			a.startBridge(b, client, &sessionID)
		}
	}

	a.shutdown(w, client.Publish, availability)
	client.Close()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown closes the watcher before announcing offline, so no poll can
// publish state after the retained offline message.
func (a *app) shutdown(w io.Closer, publish bridge.Publish, availability string) {
	a.logger.Info("shutting down")
	if err := w.Close(); err != nil {
		a.logger.Warn("error closing modbus connection", zap.Error(err))
	}
	if err := publish(availability, 1, true, bridge.OFFLINE); err != nil {
		a.logger.Warn("cannot publish availability", zap.Error(err))
	}
}

// startBridge subscribes again whenever the MQTT client opened a new session.
func (a *app) startBridge(b *bridge.Bridge, client *mqtt.Client, sessionID *int) {
	id := client.ID()
	if id == 0 || id == *sessionID {
		return
	}
	if err := b.Start(); err != nil {
		a.logger.Warn("error starting bridge", zap.Error(err))
		return
	}
	*sessionID = id
}
