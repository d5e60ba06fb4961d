package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarm/serial"

	"avaneesh/ese-go/pkg/bridge"
	"avaneesh/ese-go/pkg/cardsim"
	"avaneesh/ese-go/pkg/ese"
)

func main() {
	listen := flag.String("listen", ":7900", "address to accept hosts on")
	proto := flag.String("proto", "tcp", "bridge protocol: tcp|quic")
	port := flag.String("serial", "", "serial device of the secure element")
	baud := flag.Int("baud", 115200, "serial baud rate")
	simulate := flag.Bool("simulate", false, "bridge a simulated card instead of a serial device")
	level := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	logLevel, ok := ese.ParseLogLevel(*level)
	if !ok {
		fmt.Fprintf(os.Stderr, "esebridge: unknown log level %q\n", *level)
		os.Exit(2)
	}
	log := ese.NewConsoleLogger(logLevel)

	handler, closeHandler, err := newHandler(*port, *baud, *simulate, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esebridge: %v\n", err)
		os.Exit(1)
	}
	defer closeHandler()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := bridge.New(handler, log)
	defer srv.Close()

	if err := serve(ctx, srv, *proto, *listen, log); err != nil {
		fmt.Fprintf(os.Stderr, "esebridge: %v\n", err)
		os.Exit(1)
	}
}

func newHandler(port string, baud int, simulate bool, log ese.Logger) (bridge.Handler, func(), error) {
	if simulate {
		card := cardsim.New(cardsim.Echo, cardsim.WithLogger(log))
		return card.Serve, func() {}, nil
	}
	if port == "" {
		return nil, nil, fmt.Errorf("either -serial or -simulate is required")
	}

	sp, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", port, err)
	}
	return bridge.Relay(sp), func() { sp.Close() }, nil
}

func serve(ctx context.Context, srv *bridge.Server, proto, addr string, log ese.Logger) error {
	switch proto {
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Info("esebridge: tcp bridge on %s", ln.Addr())
		return srv.ServeTCP(ctx, ln)
	case "quic":
		ln, err := bridge.ListenQUIC(addr, nil)
		if err != nil {
			return err
		}
		log.Info("esebridge: quic bridge on %s", ln.Addr())
		return srv.ServeQUIC(ctx, ln)
	default:
		return fmt.Errorf("unknown protocol %q", proto)
	}
}
