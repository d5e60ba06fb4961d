// Package rpc exposes managed secure elements over JSON-RPC 2.0.
//
// Every device operation is a method of the "ESE" service. Failures are
// returned as JSON-RPC errors whose data carries the numeric status code
// and its name, so clients see the same classification as local callers.
package rpc

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"avaneesh/ese-go/pkg/device"
	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/internal/logger"
	"avaneesh/ese-go/pkg/metrics"
	"avaneesh/ese-go/pkg/t1"
)

// ServiceName is the prefix of every method, as in "ESE.Write"
const ServiceName = "ESE"

// ErrorCode is the JSON-RPC error code used for device failures
const ErrorCode json2.ErrorCode = -32001

// ErrorData is attached to every device failure
type ErrorData struct {
	Status uint8  `json:"status"`
	Name   string `json:"name"`
}

// DeviceArgs names the target device
type DeviceArgs struct {
	Device string `json:"device"`
}

// WriteArgs carries a command for Write and Transceive
type WriteArgs struct {
	Device string `json:"device"`
	Data   []byte `json:"data"`
}

// WriteReply reports the accepted length
type WriteReply struct {
	Written int `json:"written"`
}

// ReadArgs requests size bytes
type ReadArgs struct {
	Device string `json:"device"`
	Size   int    `json:"size"`
}

// DataReply carries response bytes
type DataReply struct {
	Data []byte `json:"data"`
}

// SizeReply carries the buffered response size
type SizeReply struct {
	Size int `json:"size"`
}

// DirectArgs switches direct mode
type DirectArgs struct {
	Device string `json:"device"`
	Direct bool   `json:"direct"`
}

// ListArgs is empty
type ListArgs struct{}

// ListReply names every registered device
type ListReply struct {
	Devices []string `json:"devices"`
}

// Empty is the reply of methods that return nothing
type Empty struct{}

// Service implements the ESE methods over a Manager
type Service struct {
	mgr *ese.Manager
	log logger.Logger
}

// NewService creates the RPC service
func NewService(mgr *ese.Manager, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Service{mgr: mgr, log: log}
}

// NewServer creates a JSON-RPC 2.0 HTTP handler serving svc
func NewServer(svc *Service) (*rpc.Server, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, ServiceName); err != nil {
		return nil, fmt.Errorf("register %s service: %w", ServiceName, err)
	}
	return server, nil
}

// Open takes a reference on the device
func (s *Service) Open(r *http.Request, args *DeviceArgs, reply *Empty) error {
	return s.call("Open", args.Device, func(dev *device.Device) error {
		return dev.Open(r.Context())
	})
}

// Close drops a reference on the device
func (s *Service) Close(r *http.Request, args *DeviceArgs, reply *Empty) error {
	return s.call("Close", args.Device, func(dev *device.Device) error {
		return dev.Close(r.Context())
	})
}

// Write sends a chain request, or raw bytes in direct mode
func (s *Service) Write(r *http.Request, args *WriteArgs, reply *WriteReply) error {
	return s.call("Write", args.Device, func(dev *device.Device) error {
		n, err := dev.Write(r.Context(), args.Data)
		reply.Written = n
		return err
	})
}

// Read returns the buffered response, or raw bytes in direct mode
func (s *Service) Read(r *http.Request, args *ReadArgs, reply *DataReply) error {
	return s.call("Read", args.Device, func(dev *device.Device) error {
		data, err := dev.Read(r.Context(), args.Size)
		reply.Data = data
		return err
	})
}

// Transceive writes a chain request and reads the whole response back
func (s *Service) Transceive(r *http.Request, args *WriteArgs, reply *DataReply) error {
	return s.call("Transceive", args.Device, func(dev *device.Device) error {
		data, err := dev.Transceive(r.Context(), args.Data)
		reply.Data = data
		return err
	})
}

// ReadSize returns the buffered response size
func (s *Service) ReadSize(r *http.Request, args *DeviceArgs, reply *SizeReply) error {
	return s.call("ReadSize", args.Device, func(dev *device.Device) error {
		reply.Size = dev.ResponseSize()
		return nil
	})
}

// SetDirect switches between framed and direct mode
func (s *Service) SetDirect(r *http.Request, args *DirectArgs, reply *Empty) error {
	return s.call("SetDirect", args.Device, func(dev *device.Device) error {
		dev.SetDirect(args.Direct)
		return nil
	})
}

// ResetProtocol re-arms the T=1 state machine
func (s *Service) ResetProtocol(r *http.Request, args *DeviceArgs, reply *Empty) error {
	return s.call("ResetProtocol", args.Device, func(dev *device.Device) error {
		dev.ResetProtocol()
		return nil
	})
}

// ResetInterface resets the physical interface, then the protocol
func (s *Service) ResetInterface(r *http.Request, args *DeviceArgs, reply *Empty) error {
	return s.call("ResetInterface", args.Device, func(dev *device.Device) error {
		return dev.ResetInterface(r.Context())
	})
}

// Statistics returns the counters of one device
func (s *Service) Statistics(r *http.Request, args *DeviceArgs, reply *ese.DeviceStatistics) error {
	return s.call("Statistics", args.Device, func(dev *device.Device) error {
		*reply = ese.NewDeviceStatistics(args.Device, dev)
		return nil
	})
}

// List names every registered device
func (s *Service) List(r *http.Request, args *ListArgs, reply *ListReply) error {
	reply.Devices = s.mgr.Devices()
	metrics.RecordRPC("List", t1.StatusSuccess, 0)
	return nil
}

// call resolves the device, runs fn and records the outcome
func (s *Service) call(method, id string, fn func(dev *device.Device) error) error {
	start := time.Now()

	var err error
	dev, ok := s.mgr.GetDevice(id)
	if !ok {
		err = fmt.Errorf("%w: %q", device.ErrUnknown, id)
	} else {
		err = fn(dev)
	}

	status := device.Status(err)
	metrics.RecordRPC(method, status, time.Since(start))
	if err != nil {
		s.log.Warn("rpc: %s.%s on %q: %v (%s)", ServiceName, method, id, err, status)
		return toRPCError(err, status)
	}
	s.log.Debug("rpc: %s.%s on %q in %v", ServiceName, method, id, time.Since(start))
	return nil
}

func toRPCError(err error, status t1.StatusCode) *json2.Error {
	return &json2.Error{
		Code:    ErrorCode,
		Message: err.Error(),
		Data:    ErrorData{Status: uint8(status), Name: status.String()},
	}
}
