package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/rpc"
)

const usage = `usage: esectl [flags] <command> [args]

commands:
  list                      list devices
  open|close <dev>          take or drop a reference
  apdu <dev> <hex>...       open, send the APDUs as one chain, print the response, close
  transceive <dev> <hex>    run a raw chain request
  write <dev> <hex>         write a chain request (or raw bytes in direct mode)
  read <dev> [size]         read the buffered response (size defaults to read-size)
  read-size <dev>           print the buffered response size
  direct <dev> on|off       switch direct mode
  reset <dev>               reset the protocol
  reset-interface <dev>     reset the interface, then the protocol
  stats <dev>               print device statistics
`

func main() {
	url := flag.String("url", "http://127.0.0.1:7800/rpc", "daemon JSON-RPC endpoint")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := rpc.NewClient(*url, *timeout)
	if err := dispatch(ctx, client, os.Stdout, flag.Args()); err != nil {
		if status, ok := rpc.StatusOf(err); ok {
			fmt.Fprintf(os.Stderr, "esectl: %v (status 0x%02X %s)\n", err, uint8(status), status)
		} else {
			fmt.Fprintf(os.Stderr, "esectl: %v\n", err)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *rpc.Client, out io.Writer, args []string) error {
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(rest))
		}
		return nil
	}

	switch cmd {
	case "list":
		ids, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil

	case "open", "close", "reset", "reset-interface", "read-size", "stats":
		if err := need(1); err != nil {
			return err
		}
		return deviceCommand(ctx, c, out, cmd, rest[0])

	case "apdu":
		if err := need(2); err != nil {
			return err
		}
		apdus, err := decodeHex(rest[1:])
		if err != nil {
			return err
		}
		if err := c.Open(ctx, rest[0]); err != nil {
			return err
		}
		defer c.Close(ctx, rest[0])
		rsp, err := c.Transceive(ctx, rest[0], ese.Commands(apdus...))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.ToUpper(hex.EncodeToString(rsp)))
		return nil

	case "transceive", "write":
		if err := need(2); err != nil {
			return err
		}
		data, err := decodeHex(rest[1:2])
		if err != nil {
			return err
		}
		if cmd == "write" {
			n, err := c.Write(ctx, rest[0], data[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %d bytes\n", n)
			return nil
		}
		rsp, err := c.Transceive(ctx, rest[0], data[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.ToUpper(hex.EncodeToString(rsp)))
		return nil

	case "read":
		if err := need(1); err != nil {
			return err
		}
		size, err := readSize(ctx, c, rest)
		if err != nil {
			return err
		}
		rsp, err := c.Read(ctx, rest[0], size)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.ToUpper(hex.EncodeToString(rsp)))
		return nil

	case "direct":
		if err := need(2); err != nil {
			return err
		}
		switch rest[1] {
		case "on":
			return c.SetDirect(ctx, rest[0], true)
		case "off":
			return c.SetDirect(ctx, rest[0], false)
		default:
			return fmt.Errorf("direct: expected on or off, got %q", rest[1])
		}

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func deviceCommand(ctx context.Context, c *rpc.Client, out io.Writer, cmd, id string) error {
	switch cmd {
	case "open":
		return c.Open(ctx, id)
	case "close":
		return c.Close(ctx, id)
	case "reset":
		return c.ResetProtocol(ctx, id)
	case "reset-interface":
		return c.ResetInterface(ctx, id)
	case "read-size":
		size, err := c.ReadSize(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, size)
		return nil
	default:
		stats, err := c.Statistics(ctx, id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
}

func readSize(ctx context.Context, c *rpc.Client, rest []string) (int, error) {
	if len(rest) > 1 {
		size, err := strconv.Atoi(rest[1])
		if err != nil {
			return 0, fmt.Errorf("read: bad size %q", rest[1])
		}
		return size, nil
	}
	return c.ReadSize(ctx, rest[0])
}

func decodeHex(args []string) ([][]byte, error) {
	out := make([][]byte, 0, len(args))
	for _, arg := range args {
		clean := strings.NewReplacer(" ", "", ":", "").Replace(arg)
		b, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("bad hex %q: %w", arg, err)
		}
		out = append(out, b)
	}
	return out, nil
}
