// Command p4jit builds, uploads, and invokes small C functions on a
// serial-attached P4 device: compile and link against the device's
// fixed memory layout, upload the resulting blob, then call it with
// marshalled arguments and print the typed return value.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/p4jit/internal/build"
	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/discovery"
	"github.com/tinyrange/p4jit/internal/orchestrator"
	"github.com/tinyrange/p4jit/internal/session"
	"github.com/tinyrange/p4jit/internal/sig"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "p4jit: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("a subcommand is required")
	}

	switch args[0] {
	case "list-ports":
		return runListPorts(args[1:])
	case "info":
		return runInfo(args[1:])
	case "call":
		return runCall(args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: p4jit <subcommand> [flags]

Subcommands:
  list-ports   enumerate candidate serial ports
  info         connect to a device and print its GET_INFO response
  call         build, upload, and invoke a C function on a device

Run "p4jit <subcommand> -h" for subcommand flags.
`)
}

func setupLogging(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func runListPorts(args []string) error {
	fs := flag.NewFlagSet("list-ports", flag.ExitOnError)
	fs.Parse(args)

	ports, err := discovery.Candidates()
	if err != nil {
		return fmt.Errorf("list-ports: %w", err)
	}

	if len(ports) == 0 {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Println("no candidate serial ports found")
		}
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	port := fs.String("port", "", "serial port path (autodetected if empty)")
	baud := fs.Int("baud", 0, "baud rate override")
	timeout := fs.Duration("timeout", 0, "per-exchange read timeout")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	log := setupLogging(*debug)

	opts := []session.Option{session.WithLogger(log)}
	if *baud > 0 {
		opts = append(opts, session.WithBaudRate(*baud))
	}
	if *timeout > 0 {
		opts = append(opts, session.WithTimeout(*timeout))
	}

	sess, err := session.Connect(*port, opts...)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	defer sess.Disconnect()

	info := sess.Info()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("port:             %s\n", sess.Port())
		fmt.Printf("protocol:         %d.%d\n", info.ProtocolMajor, info.ProtocolMinor)
		fmt.Printf("firmware:         %s\n", info.FirmwareVersion)
		fmt.Printf("max payload:      %d bytes\n", info.MaxPayload)
		fmt.Printf("cache line:       %d bytes\n", info.CacheLine)
		fmt.Printf("max allocations:  %d\n", info.MaxAllocations)
	} else {
		fmt.Printf("port=%s protocol=%d.%d firmware=%s max_payload=%d cache_line=%d max_allocations=%d\n",
			sess.Port(), info.ProtocolMajor, info.ProtocolMinor, info.FirmwareVersion,
			info.MaxPayload, info.CacheLine, info.MaxAllocations)
	}
	return nil
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	port := fs.String("port", "", "serial port path (autodetected if empty)")
	source := fs.String("source", "", "path to the C source file defining the target function")
	funcName := fs.String("func", "", "name of the function to build and call")
	configPath := fs.String("config", "", "build configuration YAML (defaults built in if empty)")
	typeMapPath := fs.String("typemap", "", "type-map YAML override (defaults built in if empty)")
	debug := fs.Bool("debug", false, "enable debug logging")
	smart := fs.Bool("smart", true, "use typed argument marshalling instead of a raw byte buffer")
	timeout := fs.Duration("timeout", 0, "per-exchange read timeout")
	var rawArgs repeatedFlag
	fs.Var(&rawArgs, "arg", "one call argument; repeat in parameter order (arrays as comma-separated elements)")
	fs.Parse(args)

	log := setupLogging(*debug)

	if *source == "" || *funcName == "" {
		fs.Usage()
		return fmt.Errorf("call: -source and -func are required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		cfg = loaded
	}

	tm := config.DefaultTypeMap()
	if *typeMapPath != "" {
		loaded, err := config.LoadTypeMap(*typeMapPath)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		tm = loaded
	}

	opts := []session.Option{session.WithLogger(log), session.WithProgress(true)}
	if *timeout > 0 {
		opts = append(opts, session.WithTimeout(*timeout))
	}

	sess, err := session.Connect(*port, opts...)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	defer sess.Disconnect()

	signature, err := sig.Extract(*source, *funcName)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if len(rawArgs) != len(signature.Parameters) {
		return fmt.Errorf("call: %s expects %d argument(s), got %d",
			*funcName, len(signature.Parameters), len(rawArgs))
	}

	driver := build.NewDriver(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fn, err := orchestrator.Load(ctx, sess, driver, cfg, tm, *source, *funcName,
		orchestrator.Options{Smart: *smart}, log)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	defer fn.Free()

	callArgs := make([]any, len(signature.Parameters))
	for i, p := range signature.Parameters {
		v, err := parseCallArg(p, tm, rawArgs[i])
		if err != nil {
			return fmt.Errorf("call: argument %d (%s): %w", i, p.Name, err)
		}
		callArgs[i] = v
	}

	ret, err := fn.Call(callArgs...)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("%s(%s) = %v\n", *funcName, strings.Join(rawArgs, ", "), ret)
	} else {
		fmt.Println(ret)
	}
	return nil
}
