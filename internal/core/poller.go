// internal/core/poller.go
package core

import (
	"context"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = time.Second
	defaultPollTimeout  = 60 * time.Second
)

// CommandSource is anything that can fetch a command by id: the repository,
// the command service or the HTTP client.
type CommandSource interface {
	GetCommand(ctx context.Context, id string) (*Command, error)
}

// Outcome is the terminal result of polling one command. TimedOut is a local
// state only; the stored row stays PENDING.
type Outcome struct {
	Command  *Command `json:"command"`
	Success  bool     `json:"success"`
	TimedOut bool     `json:"timed_out"`
	Message  string   `json:"message"`
}

// CommandPoller re-reads a command at a fixed interval until the firmware
// marks it DONE or FAILED, the timeout elapses or the context ends.
type CommandPoller struct {
	source   CommandSource
	logger   *logrus.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewCommandPoller(source CommandSource, logger *logrus.Logger, cfg config.CommandsConfig) *CommandPoller {
	p := &CommandPoller{
		source:   source,
		logger:   logger,
		interval: cfg.PollInterval,
		timeout:  cfg.PollTimeout,
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultPollTimeout
	}
	return p
}

// WithTimeout returns a copy of the poller bounded by timeout instead.
func (p *CommandPoller) WithTimeout(timeout time.Duration) *CommandPoller {
	cp := *p
	if timeout > 0 {
		cp.timeout = timeout
	}
	return &cp
}

// Await blocks until the command reaches a terminal outcome. The error is
// non-nil only when ctx ends first.
func (p *CommandPoller) Await(ctx context.Context, id string) (*Outcome, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *Command
	for {
		if cmd := p.fetch(ctx, id); cmd != nil {
			last = cmd
			if cmd.IsFinal() {
				return outcomeOf(cmd), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			p.logger.WithFields(logrus.Fields{
				"command_id": id,
				"timeout":    p.timeout.String(),
			}).Warn("Timed out waiting for command")
			return &Outcome{Command: last, TimedOut: true, Message: "timed out waiting for device"}, nil
		case <-ticker.C:
		}
	}
}

// Watch polls in the background and calls done exactly once. The returned
// function stops polling early; done then receives context.Canceled.
func (p *CommandPoller) Watch(ctx context.Context, id string, done func(*Outcome, error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		done(p.Await(ctx, id))
	}()
	return cancel
}

// fetch logs and swallows lookup errors; a failed read is not a failed command.
func (p *CommandPoller) fetch(ctx context.Context, id string) *Command {
	cmd, err := p.source.GetCommand(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WithError(err).WithField("command_id", id).Warn("Failed to poll command")
		}
		return nil
	}
	return cmd
}

func outcomeOf(cmd *Command) *Outcome {
	out := &Outcome{Command: cmd, Success: cmd.Status == StatusDone}
	switch {
	case cmd.Result != nil && *cmd.Result != "":
		out.Message = *cmd.Result
	case out.Success:
		out.Message = "command completed"
	default:
		out.Message = "command failed"
	}
	return out
}
