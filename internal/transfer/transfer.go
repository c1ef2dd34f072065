// Package transfer drives one file exchange over an already-established
// SecureChannel: metadata announcement, resume-offset negotiation,
// streamed bytes, and end-to-end hash verification.
package transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/contenthash"
	"github.com/flapfile/flap/internal/filesaver"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/frame"
	"github.com/flapfile/flap/internal/securechannel"
)

// chunkSize is the recommended read/write granularity while streaming
// file bytes over the channel.
const chunkSize = 32 * 1024

type channel interface {
	WriteFrame(frame.Frame) error
	ReadFrame() (frame.Frame, error)
}

// RunSender drives the sender half of the exchange for one local file
// over ch, emitting progress events on bus under transferID.
func RunSender(ch channel, transferID securechannel.TransferId, path, fileName string, bus *eventbus.Bus) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", flaperr.ErrFileIO, path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %q: %w", flaperr.ErrFileIO, path, err)
	}
	size := uint64(info.Size())

	meta := frame.Metadata{FileSize: size, FileName: fileName}
	if err := ch.WriteFrame(frame.IWillSendThisFileFrame(meta)); err != nil {
		return err
	}
	bus.Send(eventbus.PreparingFile(transferID, meta, true))

	resumeFrame, err := ch.ReadFrame()
	if err != nil {
		return err
	}
	if resumeFrame.Tag != frame.TagPleaseSendFile {
		return fmt.Errorf("%w: expected PleaseSendFile, got tag %#x", flaperr.ErrProtocol, resumeFrame.Tag)
	}
	offset := resumeFrame.ResumeOffset
	if offset > size {
		return fmt.Errorf("%w: resume offset %d exceeds file size %d", flaperr.ErrProtocol, offset, size)
	}

	var hasher *contenthash.Hasher
	if offset == 0 {
		hasher = contenthash.New()
	} else {
		prefixLen := int64(offset)
		hasher, err = contenthash.PrefixHash(file, &prefixLen)
		if err != nil {
			return fmt.Errorf("%w: rebuild prefix hash: %w", flaperr.ErrFileIO, err)
		}
	}

	var bytesSent uint64
	if offset < size {
		buf := make([]byte, chunkSize)
		for {
			n, readErr := file.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				hasher.Update(chunk)
				if err := ch.WriteFrame(frame.FileDataFrame(chunk)); err != nil {
					return err
				}
				bytesSent += uint64(n)
				bus.Send(eventbus.TransferUpdate(transferID, bytesSent))
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("%w: read %q: %w", flaperr.ErrFileIO, path, readErr)
			}
		}
	}

	if err := ch.WriteFrame(frame.TransferCompleteFrame(hasher.Finalize())); err != nil {
		return err
	}
	bus.Send(eventbus.TransferComplete(transferID))
	return nil
}

// RunReceiver drives the receiver half of the exchange over ch, staging
// the incoming file through saver and emitting progress events on bus.
func RunReceiver(ch channel, transferID securechannel.TransferId, saver *filesaver.FileSaver, bus *eventbus.Bus) error {
	metaFrame, err := ch.ReadFrame()
	if err != nil {
		return err
	}
	if metaFrame.Tag != frame.TagIWillSendThisFile {
		return fmt.Errorf("%w: expected IWillSendThisFile, got tag %#x", flaperr.ErrProtocol, metaFrame.Tag)
	}
	meta := metaFrame.Metadata

	file, startOffset, partialHasher, err := saver.Prepare(meta.FileName)
	if err != nil {
		return err
	}
	defer file.Close()

	bus.Send(eventbus.PreparingFile(transferID, meta, false))

	hasher := partialHasher
	if hasher == nil {
		hasher = contenthash.New()
	}

	if err := ch.WriteFrame(frame.PleaseSendFileFrame(startOffset)); err != nil {
		return err
	}

	bytesWritten := startOffset
	for {
		f, err := ch.ReadFrame()
		if err != nil {
			return err
		}

		switch f.Tag {
		case frame.TagFileData:
			hasher.Update(f.FileData)
			if _, err := file.Write(f.FileData); err != nil {
				return fmt.Errorf("%w: write received bytes: %w", flaperr.ErrFileIO, err)
			}
			if err := file.Sync(); err != nil {
				return fmt.Errorf("%w: flush received bytes: %w", flaperr.ErrFileIO, err)
			}
			bytesWritten += uint64(len(f.FileData))
			bus.Send(eventbus.TransferUpdate(transferID, bytesWritten))

		case frame.TagTransferComplete:
			if err := file.Sync(); err != nil {
				return fmt.Errorf("%w: final flush: %w", flaperr.ErrFileIO, err)
			}
			finalHash := hasher.Finalize()
			if finalHash != f.TransferHash {
				return flaperr.ErrInvalidBlake3Hash
			}
			if err := saver.Finish(meta.FileName); err != nil {
				return err
			}
			bus.Send(eventbus.TransferComplete(transferID))
			return nil

		default:
			return fmt.Errorf("%w: unexpected tag %#x during streaming", flaperr.ErrProtocol, f.Tag)
		}
	}
}
