package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// echoPeer reads requests off r and writes canned responses to w.
func echoPeer(t *testing.T, r io.Reader, w io.Writer, result string) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)}
			data, _ := json.Marshal(resp)
			w.Write(append(data, '\n'))
		}
	}()
}

func TestCallRoundTrip(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()

	echoPeer(t, toPeerR, fromPeerW, `{"ok":true}`)

	c := NewClient(toPeerW, fromPeerR, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	resp, err := c.Call(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if !result.OK {
		t.Error("expected ok result")
	}
}

func TestCallContextCancelled(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, _ := io.Pipe()
	go io.Copy(io.Discard, toPeerR)

	c := NewClient(toPeerW, fromPeerR, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer c.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Call(ctx, "prompt", map[string]string{"text": "x"}); err == nil {
		t.Error("expected error when context is cancelled before a response")
	}
}

func TestNotificationsDispatched(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()
	go io.Copy(io.Discard, toPeerR)

	c := NewClient(toPeerW, fromPeerR, logger.NewNop())

	var seen atomic.Int32
	c.SetNotificationHandler(func(method string, _ json.RawMessage) {
		if method == "progress" {
			seen.Add(1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	fromPeerW.Write([]byte(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}` + "\n"))

	deadline := time.Now().Add(2 * time.Second)
	for seen.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if seen.Load() != 1 {
		t.Errorf("expected one progress notification, got %d", seen.Load())
	}
}
