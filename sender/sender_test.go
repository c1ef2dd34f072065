package sender

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/filesaver"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/keys"
	"github.com/flapfile/flap/internal/securechannel"
	"github.com/flapfile/flap/internal/transfer"
	"github.com/flapfile/flap/transport/memtransport"
)

func genIdentity(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return pub, priv
}

func TestEnqueueRejectsDuplicatePath(t *testing.T) {
	net := memtransport.NewNetwork()
	_, alicePriv := genIdentity(t)
	alicePub := alicePriv.Public().(ed25519.PublicKey)
	ep := net.NewEndpoint(alicePub)

	s, _, err := New(ep, alicePriv, eventbus.New())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := s.Enqueue(path); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(path); err == nil {
		t.Fatal("expected second enqueue of same path to fail")
	} else if !errIsFileAlreadyAdded(err) {
		t.Fatalf("expected ErrFileAlreadyAdded, got %v", err)
	}
}

func errIsFileAlreadyAdded(err error) bool {
	return err == flaperr.ErrFileAlreadyAdded
}

func TestSendOneFileToConnectingReceiver(t *testing.T) {
	net := memtransport.NewNetwork()
	alicePub, alicePriv := genIdentity(t)
	bobPub, bobPriv := genIdentity(t)

	aliceEndpoint := net.NewEndpoint(alicePub)
	bobEndpoint := net.NewEndpoint(bobPub)

	bus := eventbus.New()
	s, tk, err := New(aliceEndpoint, alicePriv, bus)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	content := []byte("the quick brown fox jumps over the lazy dog")
	srcPath := filepath.Join(t.TempDir(), "fox.txt")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	if err := s.Enqueue(srcPath); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	conn, err := bobEndpoint.Dial(ctx, tk.Identity)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// The sender opens the bidirectional stream for each file even though
	// the receiver is the one that dialed the connection, so the receiver
	// side waits on AcceptStream here.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}

	fileKey, err := keys.DeriveFileKey(tk.Secret[:])
	if err != nil {
		t.Fatalf("derive file key: %v", err)
	}
	ch, transferID, err := securechannel.Accept(stream, bobPriv, tk.Identity, fileKey, stream.ID())
	if err != nil {
		t.Fatalf("accept handshake: %v", err)
	}

	saver := filesaver.NewAt(t.TempDir())
	if err := transfer.RunReceiver(ch, transferID, saver, bus); err != nil {
		t.Fatalf("run receiver: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(saver.Dir(), "fox.txt"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("delivered content mismatch")
	}
}
