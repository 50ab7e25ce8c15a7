package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'move', 'servo', 'run' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
		if err == nil {
			fmt.Println("config valid")
		}
	case "move":
		err = runMove(os.Args[2:])
	case "servo":
		err = runServo(os.Args[2:])
	case "run":
		err = runAgent(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "rover.yaml", "Path to configuration file")
	_ = fs.Parse(args)
	_, err := config.Load(*path)
	return err
}

type busFlags struct {
	config  *string
	timeout *time.Duration
}

func addBusFlags(fs *flag.FlagSet, timeout time.Duration) busFlags {
	return busFlags{
		config:  fs.String("config", "", "Path to configuration file (bus settings)"),
		timeout: fs.Duration("timeout", timeout, "Request timeout"),
	}
}

func (b busFlags) connect(ctx context.Context) (*bus.Client, error) {
	cfg, err := config.Load(*b.config)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, "roverctl", cfg.Bus, logger)
}

func runMove(args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	bf := addBusFlags(fs, 10*time.Second)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: roverctl move [flags] forward|backward|left|right")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, protocol.SubjectDriveMove, protocol.MoveRequest{Command: fs.Arg(0)}, &reply); err != nil {
		return err
	}
	return replyError(reply)
}

func runServo(args []string) error {
	fs := flag.NewFlagSet("servo", flag.ExitOnError)
	bf := addBusFlags(fs, 5*time.Second)
	channel := fs.String("channel", "0", "Servo id (0-7)")
	angle := fs.Int("angle", 90, "Angle in degrees (0-180)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, protocol.SubjectDriveServo, protocol.ServoRequest{Channel: *channel, Angle: *angle}, &reply); err != nil {
		return err
	}
	return replyError(reply)
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	bf := addBusFlags(fs, 10*time.Minute)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New(`usage: roverctl run [flags] "goal"`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	enc := json.NewEncoder(os.Stdout)
	sub, err := client.Conn().Subscribe(protocol.SubjectAgentStep, func(msg *nats.Msg) {
		var step protocol.AgentStep
		if err := json.Unmarshal(msg.Data, &step); err == nil {
			_ = enc.Encode(step)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var result protocol.RunResult
	if err := client.RequestJSON(ctx, protocol.SubjectAgentRun, protocol.RunRequest{Goal: fs.Arg(0)}, &result); err != nil {
		return err
	}
	_ = enc.Encode(result)
	if result.Status != "completed" {
		return fmt.Errorf("run %s: %s", result.Status, result.Reason)
	}
	return nil
}

func replyError(reply protocol.CommandReply) error {
	if reply.OK {
		fmt.Println("ok")
		return nil
	}
	return fmt.Errorf("%s: %s", reply.Code, reply.Error)
}
