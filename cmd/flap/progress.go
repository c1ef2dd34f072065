package main

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flapfile/flap/eventbus"
)

// logEvents drains bus and logs each event until it is closed, tagging
// every line with a correlation id unique to this command invocation so
// interleaved concurrent transfers stay distinguishable in the log.
func logEvents(bus *eventbus.Bus) {
	runID := uuid.NewString()
	for {
		e, ok := bus.Recv()
		if !ok {
			return
		}

		entry := log.Info().Str("run_id", runID).Str("transfer_id", e.TransferID.String())
		switch e.Kind {
		case eventbus.KindPreparingFile:
			entry.Str("file_name", e.Metadata.FileName).
				Uint64("file_size", e.Metadata.FileSize).
				Bool("is_sender", e.IsSender).
				Msg("preparing file")
		case eventbus.KindTransferUpdate:
			entry.Uint64("bytes_so_far", e.BytesSoFar).Msg("transfer progress")
		case eventbus.KindTransferComplete:
			entry.Msg("transfer complete")
		}
	}
}
