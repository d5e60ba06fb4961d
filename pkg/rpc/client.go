package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/t1"
)

// Client calls the ESE service of a remote daemon
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the JSON-RPC endpoint at url
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Call invokes ServiceName.method
func (c *Client) Call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, args)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// Device failures may arrive with a non-2xx status, so the body is
	// decoded first.
	err = json2.DecodeClientResponse(resp.Body, reply)
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

// StatusOf extracts the device status code from an error returned by Call
func StatusOf(err error) (t1.StatusCode, bool) {
	var rpcErr *json2.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrorCode || rpcErr.Data == nil {
		return 0, false
	}
	raw, err := json.Marshal(rpcErr.Data)
	if err != nil {
		return 0, false
	}
	var data ErrorData
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, false
	}
	return t1.StatusCode(data.Status), true
}

// Open takes a reference on id
func (c *Client) Open(ctx context.Context, id string) error {
	return c.Call(ctx, "Open", &DeviceArgs{Device: id}, &Empty{})
}

// Close drops a reference on id
func (c *Client) Close(ctx context.Context, id string) error {
	return c.Call(ctx, "Close", &DeviceArgs{Device: id}, &Empty{})
}

// Write sends data to id
func (c *Client) Write(ctx context.Context, id string, data []byte) (int, error) {
	var reply WriteReply
	err := c.Call(ctx, "Write", &WriteArgs{Device: id, Data: data}, &reply)
	return reply.Written, err
}

// Read reads size bytes from id
func (c *Client) Read(ctx context.Context, id string, size int) ([]byte, error) {
	var reply DataReply
	err := c.Call(ctx, "Read", &ReadArgs{Device: id, Size: size}, &reply)
	return reply.Data, err
}

// Transceive runs a chain request on id and returns the merged response
func (c *Client) Transceive(ctx context.Context, id string, data []byte) ([]byte, error) {
	var reply DataReply
	err := c.Call(ctx, "Transceive", &WriteArgs{Device: id, Data: data}, &reply)
	return reply.Data, err
}

// ReadSize returns the size of the response buffered on id
func (c *Client) ReadSize(ctx context.Context, id string) (int, error) {
	var reply SizeReply
	err := c.Call(ctx, "ReadSize", &DeviceArgs{Device: id}, &reply)
	return reply.Size, err
}

// SetDirect switches id between framed and direct mode
func (c *Client) SetDirect(ctx context.Context, id string, direct bool) error {
	return c.Call(ctx, "SetDirect", &DirectArgs{Device: id, Direct: direct}, &Empty{})
}

// ResetProtocol re-arms the protocol of id
func (c *Client) ResetProtocol(ctx context.Context, id string) error {
	return c.Call(ctx, "ResetProtocol", &DeviceArgs{Device: id}, &Empty{})
}

// ResetInterface resets the interface of id
func (c *Client) ResetInterface(ctx context.Context, id string) error {
	return c.Call(ctx, "ResetInterface", &DeviceArgs{Device: id}, &Empty{})
}

// Statistics returns the counters of id
func (c *Client) Statistics(ctx context.Context, id string) (ese.DeviceStatistics, error) {
	var reply ese.DeviceStatistics
	err := c.Call(ctx, "Statistics", &DeviceArgs{Device: id}, &reply)
	return reply, err
}

// List names the devices of the daemon
func (c *Client) List(ctx context.Context) ([]string, error) {
	var reply ListReply
	err := c.Call(ctx, "List", &ListArgs{}, &reply)
	return reply.Devices, err
}
