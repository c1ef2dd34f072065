// Command flap wires the library packages together for manual and
// integration use: it does not attempt to reproduce the desktop app's
// full command surface, only a thin send/receive CLI over the same
// sender, receiver, and transport packages the library exposes.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var flagIdentityPath string

var rootCmd = &cobra.Command{
	Use:   "flap",
	Short: "Peer-to-peer encrypted file transfer",
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	rootCmd.PersistentFlags().StringVar(&flagIdentityPath, "identity", "", "path to this node's Ed25519 identity key (default $HOME/.flap/identity.key)")
	rootCmd.AddCommand(sendCmd, receiveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func identityPath() (string, error) {
	if flagIdentityPath != "" {
		return flagIdentityPath, nil
	}
	return defaultIdentityPath()
}
