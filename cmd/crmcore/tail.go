package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avenirsoft/crmcore/internal/bus"
	"github.com/avenirsoft/crmcore/internal/config"
	"github.com/avenirsoft/crmcore/internal/events"
	"github.com/avenirsoft/crmcore/internal/logging"
	"github.com/avenirsoft/crmcore/internal/ui"
)

var tailSubject string

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print domain events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.New(os.Stderr, "crmcore-tail", cfg.Environment)

		if !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}

		conn := bus.New(bus.Config{
			URLs:                 cfg.NATSURLs,
			Name:                 "crmcore-tail",
			MaxReconnectAttempts: cfg.MaxReconnects,
			ReconnectWait:        cfg.ReconnectWait,
		}, logger, nil)
		if err := conn.Connect(cmd.Context()); err != nil {
			return err
		}
		defer conn.Drain()

		// No queue group: the tail sees every message, it never competes
		// with real consumers.
		_, err = conn.SubscribeRaw(tailSubject, "", printEvent)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", tailSubject)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailSubject, "subject", "crm.events.>", "subject pattern to watch")
}

func printEvent(_ context.Context, subject string, data []byte) error {
	stamp := ui.RenderMuted(time.Now().Format("15:04:05"))

	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.EventID == "" {
		// Not an envelope; show the raw payload.
		fmt.Printf("%s %s %s\n", stamp, ui.RenderSubject(subject), string(data))
		return nil
	}

	line := fmt.Sprintf("%s %s %s", stamp, ui.RenderSubject(subject), env.EventID)
	if env.CorrelationID != "" {
		line += " " + ui.RenderMuted(env.CorrelationID)
	}
	if env.InitiatedBy != "" {
		line += " " + ui.RenderMuted("by "+env.InitiatedBy)
	}
	fmt.Println(line)
	if len(env.Data) > 0 {
		fmt.Printf("  %s\n", env.Data)
	}
	return nil
}
