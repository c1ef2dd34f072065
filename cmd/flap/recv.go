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
	"github.com/flapfile/flap/receiver"
	"github.com/flapfile/flap/transport/libp2pendpoint"
)

var receiveCmd = &cobra.Command{
	Use:   "receive TICKET",
	Short: "Parse a ticket and receive the sender's files into the downloads folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceive,
}

func runReceive(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tk, err := ticket.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse ticket: %w", err)
	}

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

	r, err := receiver.New(endpoint, priv, bus)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	log.Info().Msg("[receive] connecting to sender")
	if err := r.Retrieve(ctx, tk); err != nil {
		return fmt.Errorf("retrieve files: %w", err)
	}
	log.Info().Msg("[receive] done")
	return nil
}
