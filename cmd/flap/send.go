package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/ticket"
	"github.com/flapfile/flap/sender"
	"github.com/flapfile/flap/transport/libp2pendpoint"
)

var sendCmd = &cobra.Command{
	Use:   "send FILE [FILE...]",
	Short: "Advertise a ticket and send one or more files to whoever pastes it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, paths []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idPath, err := identityPath()
	if err != nil {
		return err
	}
	priv, err := loadOrCreateIdentity(idPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	endpoint, err := libp2pendpoint.New(ctx, priv)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer endpoint.Close()

	bus := eventbus.New()
	go logEvents(bus)

	s, tk, err := sender.New(endpoint, priv, bus)
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}

	for _, p := range paths {
		if err := s.Enqueue(p); err != nil {
			return fmt.Errorf("enqueue %q: %w", p, err)
		}
	}

	fmt.Println(ticket.Encode(tk))
	log.Info().Int("file_count", len(paths)).Msg("[send] waiting for a receiver to connect")

	err = s.Run(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("[send] shutting down")
		return nil
	}
	return err
}
