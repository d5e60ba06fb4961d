package rpc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"avaneesh/ese-go/pkg/cardsim"
	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/t1"
)

func newTestClient(t *testing.T) (*Client, *cardsim.Card) {
	t.Helper()

	mgr := ese.NewManagerWithLogger(ese.NoOpLogger())
	card := cardsim.New(cardsim.Echo)
	ch, stop := cardsim.Pipe(card, 200*time.Millisecond)
	t.Cleanup(stop)
	if _, err := mgr.AddDevice("ese0", ch, ese.DefaultDeviceConfig()); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown() })

	server, err := NewServer(NewService(mgr, ese.NoOpLogger()))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return NewClient(ts.URL, 5*time.Second), card
}

// TestRPCWriteRead tests the open, write, read and close sequence
func TestRPCWriteRead(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ids, err := c.List(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "ese0" {
		t.Fatalf("List = %v, %v", ids, err)
	}
	if err := c.Open(ctx, "ese0"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	cmd := ese.SingleCommand([]byte{0x00, 0xA4, 0x04, 0x00})
	n, err := c.Write(ctx, "ese0", cmd)
	if err != nil || n != len(cmd) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	size, err := c.ReadSize(ctx, "ese0")
	if err != nil || size != 6 {
		t.Fatalf("ReadSize = %d, %v", size, err)
	}
	rsp, err := c.Read(ctx, "ese0", size)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if want := []byte{0x00, 0xA4, 0x04, 0x00, 0x90, 0x00}; !bytes.Equal(rsp, want) {
		t.Errorf("Read = % X, want % X", rsp, want)
	}

	stats, err := c.Statistics(ctx, "ese0")
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.RefCount != 1 || stats.Session.TxMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if err := c.Close(ctx, "ese0"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// TestRPCTransceive tests a chained request in one call
func TestRPCTransceive(t *testing.T) {
	c, card := newTestClient(t)
	ctx := context.Background()
	c.Open(ctx, "ese0")

	rsp, err := c.Transceive(ctx, "ese0", ese.Commands([]byte{0x01}, []byte{0x02}))
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}
	if want := []byte{0x01, 0x02, 0x90, 0x00}; !bytes.Equal(rsp, want) {
		t.Errorf("Transceive = % X, want % X", rsp, want)
	}
	if len(card.Commands()) != 2 {
		t.Errorf("card saw %d commands, want 2", len(card.Commands()))
	}

	if err := c.SetDirect(ctx, "ese0", true); err != nil {
		t.Fatalf("SetDirect failed: %v", err)
	}
	_, err = c.Transceive(ctx, "ese0", ese.SingleCommand([]byte{0x01}))
	if status, ok := StatusOf(err); !ok || status != t1.StatusInvalidParameter {
		t.Errorf("Transceive in direct mode = %v (status %v)", err, status)
	}
}

// TestRPCErrors tests that failures carry their status code
func TestRPCErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want t1.StatusCode
	}{
		{"unknown device", func() error { return c.Open(ctx, "nope") }, t1.StatusInvalidDevice},
		{"not open", func() error { _, err := c.Write(ctx, "ese0", []byte{1}); return err }, t1.StatusInvalidDevice},
		{"close unopened", func() error { return c.Close(ctx, "ese0") }, t1.StatusInvalidDevice},
		{"reset unsupported", func() error { return c.ResetInterface(ctx, "ese0") }, t1.StatusInvalidDevice},
		{"bad read size", func() error { _, err := c.Read(ctx, "ese0", 0); return err }, t1.StatusInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("call succeeded")
			}
			status, ok := StatusOf(err)
			if !ok || status != tt.want {
				t.Errorf("status = %v (ok %t), want %v: %v", status, ok, tt.want, err)
			}
		})
	}

	if err := c.ResetProtocol(ctx, "ese0"); err != nil {
		t.Errorf("ResetProtocol failed: %v", err)
	}
}

// TestRPCRawRequest tests the wire format seen by non-Go clients
func TestRPCRawRequest(t *testing.T) {
	mgr := ese.NewManagerWithLogger(ese.NoOpLogger())
	server, err := NewServer(NewService(mgr, nil))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	body := `{"jsonrpc":"2.0","method":"ESE.List","params":{},"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"devices":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
