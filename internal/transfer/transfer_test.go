package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/filesaver"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/frame"
	"github.com/flapfile/flap/internal/securechannel"
)

// pipeChannel is an in-memory channel double standing in for a
// securechannel.Channel, letting the protocol state machine be exercised
// without a real Noise handshake.
type pipeChannel struct {
	send chan frame.Frame
	recv chan frame.Frame
}

func newPipeChannelPair() (a, b *pipeChannel) {
	ab := make(chan frame.Frame, 64)
	ba := make(chan frame.Frame, 64)
	return &pipeChannel{send: ab, recv: ba}, &pipeChannel{send: ba, recv: ab}
}

func (p *pipeChannel) WriteFrame(f frame.Frame) error {
	p.send <- f
	return nil
}

func (p *pipeChannel) ReadFrame() (frame.Frame, error) {
	f, ok := <-p.recv
	if !ok {
		return frame.Frame{}, errors.New("pipe closed")
	}
	return f, nil
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func newTestSaver(t *testing.T) *filesaver.FileSaver {
	t.Helper()
	return filesaver.NewAt(t.TempDir())
}

func runSenderAndReceiver(t *testing.T, senderPath, fileName string, saver *filesaver.FileSaver) (senderErr, receiverErr error) {
	t.Helper()
	senderCh, receiverCh := newPipeChannelPair()
	bus := eventbus.New()

	var id securechannel.TransferId
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		senderErr = RunSender(senderCh, id, senderPath, fileName, bus)
	}()
	go func() {
		defer wg.Done()
		receiverErr = RunReceiver(receiverCh, id, saver, bus)
	}()
	wg.Wait()
	return senderErr, receiverErr
}

func TestFreshFileTransferEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	content := make([]byte, 500_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := writeFile(t, srcDir, "payload.bin", content)

	saver := newTestSaver(t)
	senderErr, receiverErr := runSenderAndReceiver(t, path, "payload.bin", saver)
	if senderErr != nil {
		t.Fatalf("sender: %v", senderErr)
	}
	if receiverErr != nil {
		t.Fatalf("receiver: %v", receiverErr)
	}

	got, err := os.ReadFile(filepath.Join(saver.Dir(), "payload.bin"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("delivered content does not match source")
	}
}

func TestZeroByteFileTransfer(t *testing.T) {
	srcDir := t.TempDir()
	path := writeFile(t, srcDir, "empty.txt", nil)

	saver := newTestSaver(t)
	senderErr, receiverErr := runSenderAndReceiver(t, path, "empty.txt", saver)
	if senderErr != nil {
		t.Fatalf("sender: %v", senderErr)
	}
	if receiverErr != nil {
		t.Fatalf("receiver: %v", receiverErr)
	}

	info, err := os.Stat(filepath.Join(saver.Dir(), "empty.txt"))
	if err != nil {
		t.Fatalf("stat delivered file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got size %d", info.Size())
	}
}

func TestResumeFromPartialStagingFile(t *testing.T) {
	srcDir := t.TempDir()
	content := make([]byte, 200_000)
	for i := range content {
		content[i] = byte((i * 7) % 256)
	}
	path := writeFile(t, srcDir, "resume.bin", content)

	saver := newTestSaver(t)
	if err := os.MkdirAll(saver.Dir(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(saver.Dir(), "resume.bin.flap"), content[:70_000], 0o644); err != nil {
		t.Fatalf("seed partial staging file: %v", err)
	}

	senderErr, receiverErr := runSenderAndReceiver(t, path, "resume.bin", saver)
	if senderErr != nil {
		t.Fatalf("sender: %v", senderErr)
	}
	if receiverErr != nil {
		t.Fatalf("receiver: %v", receiverErr)
	}

	got, err := os.ReadFile(filepath.Join(saver.Dir(), "resume.bin"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("resumed content does not match source")
	}
}

func TestTamperedClaimedHashIsRejected(t *testing.T) {
	senderCh, receiverCh := newPipeChannelPair()
	saver := newTestSaver(t)
	bus := eventbus.New()
	var id securechannel.TransferId

	go func() {
		meta := frame.Metadata{FileSize: 5, FileName: "note.txt"}
		_ = senderCh.WriteFrame(frame.IWillSendThisFileFrame(meta))
		_, _ = senderCh.ReadFrame() // PleaseSendFile(0)
		_ = senderCh.WriteFrame(frame.FileDataFrame([]byte("hello")))
		var wrongHash [32]byte
		wrongHash[0] = 0xff
		_ = senderCh.WriteFrame(frame.TransferCompleteFrame(wrongHash))
	}()

	err := RunReceiver(receiverCh, id, saver, bus)
	if !errors.Is(err, flaperr.ErrInvalidBlake3Hash) {
		t.Fatalf("expected ErrInvalidBlake3Hash, got %v", err)
	}
}

func TestProtocolViolationWrongFrameInsteadOfMeta(t *testing.T) {
	senderCh, receiverCh := newPipeChannelPair()
	saver := newTestSaver(t)
	bus := eventbus.New()
	var id securechannel.TransferId

	go func() {
		_ = senderCh.WriteFrame(frame.PleaseSendFileFrame(0)) // wrong: not metadata
	}()

	err := RunReceiver(receiverCh, id, saver, bus)
	if !errors.Is(err, flaperr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
