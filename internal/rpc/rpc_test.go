package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"go.uber.org/zap"
)

// newTestHost creates a host with a fresh identity on an ephemeral local port.
func newTestHost(t *testing.T) host.Host {
	t.Helper()
	priv, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.key"))
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	h, err := NewHost(priv, []string{"/ip4/127.0.0.1/tcp/0"}, zap.NewNop())
	if err != nil {
		t.Fatalf("create test host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

func rejectAll(remoteKey []byte, req *SubmitReq) (*SubmitResp, error) {
	return nil, nil
}

func TestComplexity_RoundTrip(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	NewServer(server, func() uint32 { return 7 }, rejectAll, zap.NewNop())
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	complexity, err := client.Complexity(ctx)
	if err != nil {
		t.Fatalf("Complexity: %v", err)
	}
	if complexity != 7 {
		t.Errorf("complexity = %d, want 7", complexity)
	}
}

func TestSubmit_Accepted(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	var gotKey, gotNonce []byte
	NewServer(server, func() uint32 { return 1 }, func(remoteKey []byte, req *SubmitReq) (*SubmitResp, error) {
		gotKey = remoteKey
		gotNonce = req.Nonce
		return &SubmitResp{
			Accepted:          true,
			Block:             &BlockRef{Index: 3},
			ComplexityChanged: true,
		}, nil
	}, zap.NewNop())
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nonce := []byte{0xde, 0xad, 0xbe, 0xef}
	result, err := client.Submit(ctx, nonce)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result == nil {
		t.Fatal("expected accepted result, got rejection")
	}
	if result.BlockIndex != 3 || !result.ComplexityChanged {
		t.Errorf("result = %+v, want index 3 with complexity change", result)
	}
	if !bytes.Equal(gotNonce, nonce) {
		t.Errorf("server saw nonce %x, want %x", gotNonce, nonce)
	}

	wantKey, err := PeerKey(miner.ID())
	if err != nil {
		t.Fatalf("PeerKey: %v", err)
	}
	if !bytes.Equal(gotKey, wantKey) {
		t.Errorf("submitter key = %x, want %x", gotKey, wantKey)
	}
}

func TestSubmit_Rejected(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	NewServer(server, func() uint32 { return 1 }, rejectAll, zap.NewNop())
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Submit(ctx, []byte{0x01})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result != nil {
		t.Errorf("expected rejection, got %+v", result)
	}
}

func TestSubmit_HandlerErrorResetsStream(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	NewServer(server, func() uint32 { return 1 }, func(remoteKey []byte, req *SubmitReq) (*SubmitResp, error) {
		return nil, fmt.Errorf("storage failure")
	}, zap.NewNop())
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Submit(ctx, []byte{0x01})
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
	if !IsRetryable(err) {
		t.Error("channel closed error should be retryable")
	}
}

func TestClient_ServerGone(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	info := addrInfo(server)
	server.Close()

	client := NewClient(miner, info)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Complexity(ctx)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	NewServer(server, func() uint32 { return 1 }, rejectAll, zap.NewNop())
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complexity(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if IsRetryable(err) {
		t.Error("cancellation should not be retryable")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestHost(t)
	miner := newTestHost(t)

	srv := NewServer(server, func() uint32 { return 1 }, rejectAll, zap.NewNop())
	srv.Close()
	client := NewClient(miner, addrInfo(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Protocol negotiation fails once the handler is gone.
	if _, err := client.Complexity(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

func TestLoadOrCreateIdentity_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !first.Equals(second) {
		t.Error("reloaded identity differs from the created one")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrCreateIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte("not base64!"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatal("expected error for corrupt identity file")
	}
}

func TestPeerKey_MatchesPublicKey(t *testing.T) {
	priv, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.key"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	want, err := PublicKeyBytes(priv)
	if err != nil {
		t.Fatal(err)
	}
	got, err := PeerKey(id)
	if err != nil {
		t.Fatalf("PeerKey: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("PeerKey = %x, want %x", got, want)
	}
}

func TestParseServerAddr(t *testing.T) {
	h := newTestHost(t)
	full := fmt.Sprintf("%s/p2p/%s", h.Addrs()[0], h.ID())

	info, err := ParseServerAddr(full)
	if err != nil {
		t.Fatalf("parse multiaddr: %v", err)
	}
	if info.ID != h.ID() || len(info.Addrs) != 1 {
		t.Errorf("info = %v, want %s with one address", info, h.ID())
	}

	info, err = ParseServerAddr(" " + h.ID().String() + "\n")
	if err != nil {
		t.Fatalf("parse peer id: %v", err)
	}
	if info.ID != h.ID() || len(info.Addrs) != 0 {
		t.Errorf("info = %v, want bare %s", info, h.ID())
	}

	for _, bad := range []string{"", "/ip4/127.0.0.1/tcp/1", "/not/a/multiaddr", "garbage"} {
		if _, err := ParseServerAddr(bad); err == nil {
			t.Errorf("ParseServerAddr(%q) succeeded, want error", bad)
		}
	}
}
