// Package renderer is the child side of a host channel. It is started by the
// host with --type=renderer, either as a subprocess or in-process.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
)

var ErrMissingSwitch = errors.New("missing required switch")

// Config is what a child needs to reach its host.
type Config struct {
	Address string
	Nonce   id.Nonce
	HostID  int32
	// IdleShutdown makes the child ask for shutdown after this long without
	// routed traffic. Zero disables it.
	IdleShutdown time.Duration
}

// ConfigFromArgs reads the host switches from args and the nonce from env.
func ConfigFromArgs(args []string, env []string) (Config, error) {
	var cfg Config

	address, ok := launcher.LookupSwitch(args, launcher.SwitchChannelID)
	if !ok || address == "" {
		return cfg, fmt.Errorf("%w: --%s", ErrMissingSwitch, launcher.SwitchChannelID)
	}
	cfg.Address = address

	if v, ok := launcher.LookupSwitch(args, launcher.SwitchHostID); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("parse --%s: %w", launcher.SwitchHostID, err)
		}
		cfg.HostID = int32(n)
	}

	prefix := launcher.EnvChannelNonce + "="
	for i := len(env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(env[i], prefix); ok {
			cfg.Nonce = id.Nonce(v)
			break
		}
	}
	if cfg.Nonce == "" {
		return cfg, fmt.Errorf("%w: %s", ErrMissingSwitch, launcher.EnvChannelNonce)
	}
	return cfg, nil
}

// Child serves one host connection.
type Child struct {
	cfg    Config
	pid    int32
	logger *zap.Logger
	client *channel.Client
	hostID int32
}

// New creates a child that reports pid in its handshake.
func New(cfg Config, pid int32, logger *zap.Logger) *Child {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Child{
		cfg:    cfg,
		pid:    pid,
		logger: logger.Named("renderer").With(zap.Int32("host_id", cfg.HostID)),
	}
}

// Run connects and serves until the host says shutdown, the channel closes or
// ctx ends. A host-requested shutdown returns nil.
func (c *Child) Run(ctx context.Context) error {
	client, err := channel.Dial(ctx, c.cfg.Address, c.cfg.Nonce, c.pid)
	if err != nil {
		return err
	}
	c.client = client

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-stop:
		}
	}()
	defer client.Close()

	inbound := make(chan *ipc.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := client.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- env:
			case <-stop:
				return
			}
		}
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if c.cfg.IdleShutdown > 0 {
		idleTimer = time.NewTimer(c.cfg.IdleShutdown)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case env := <-inbound:
			done, err := c.handle(env)
			if done || err != nil {
				return err
			}
			if idleTimer != nil && !env.IsControl() {
				idleTimer.Reset(c.cfg.IdleShutdown)
			}

		case <-idle:
			c.logger.Debug("Idle, requesting shutdown")
			if err := client.Send(ipc.NewMessage(ipc.RoutingControl, ipc.MsgShutdownRequest, nil)); err != nil {
				return err
			}

		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// HostID is the id the host assigned, once SetProcessID arrived.
func (c *Child) HostID() int32 { return c.hostID }

func (c *Child) handle(env *ipc.Envelope) (bool, error) {
	if env.IsControl() {
		switch env.Type {
		case ipc.MsgSetProcessID:
			var msg ipc.ProcessID
			if err := ipc.DecodePayload(env, &msg); err != nil {
				return false, err
			}
			c.hostID = msg.HostID
		case ipc.MsgDumpHandles:
			return false, c.client.Send(ipc.NewMessage(ipc.RoutingControl, ipc.MsgDumpHandlesDone, nil))
		case ipc.MsgShutdown:
			c.logger.Debug("Shutdown requested by host")
			return true, nil
		default:
			c.logger.Debug("Ignoring control message", zap.String("type", ipc.TypeName(env.Type)))
		}
		return false, nil
	}

	if env.Sync {
		reply := ipc.NewReply(env)
		reply.Payload = env.Payload
		return false, c.client.Send(reply)
	}
	// Every routed message is answered with a frame for the same route.
	return false, c.client.Send(ipc.NewMessage(env.RoutingID, ipc.MsgFrameReady, env.Payload))
}

// Main runs a child process from its argv and environment.
func Main(ctx context.Context, args []string, logger *zap.Logger) error {
	cfg, err := ConfigFromArgs(args, os.Environ())
	if err != nil {
		return err
	}
	return New(cfg, int32(os.Getpid()), logger).Run(ctx)
}

// InProcess returns the launcher body for single-process mode.
func InProcess(logger *zap.Logger, idleShutdown time.Duration) launcher.RunFunc {
	return func(ctx context.Context, cmd *launcher.CommandLine) error {
		cfg, err := ConfigFromArgs(cmd.Args, cmd.Env)
		if err != nil {
			return err
		}
		cfg.IdleShutdown = idleShutdown
		return New(cfg, int32(os.Getpid()), logger).Run(ctx)
	}
}
