package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedSource returns its responses in order and then repeats the last one.
type scriptedSource struct {
	mu        sync.Mutex
	responses []func() (*Command, error)
	calls     int
}

func (s *scriptedSource) GetCommand(ctx context.Context, id string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i]()
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func returns(status CommandStatus, result *string) func() (*Command, error) {
	return func() (*Command, error) {
		return &Command{ID: "cmd-1", Status: status, Result: result}, nil
	}
}

func fails(err error) func() (*Command, error) {
	return func() (*Command, error) { return nil, err }
}

func newTestPoller(source CommandSource, timeout time.Duration) *CommandPoller {
	cfg := testCommandsConfig()
	cfg.PollTimeout = timeout
	return NewCommandPoller(source, testLogger(), cfg)
}

func TestCommandPoller_AwaitDone(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusPending, nil),
		returns(StatusPending, nil),
		returns(StatusDone, nil),
	}}

	out, err := newTestPoller(source, time.Second).Await(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !out.Success || out.TimedOut {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Message != "command completed" {
		t.Errorf("unexpected message %q", out.Message)
	}
	if source.Calls() != 3 {
		t.Errorf("expected 3 polls, got %d", source.Calls())
	}
}

func TestCommandPoller_AwaitFailedUsesResult(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusFailed, strPtr("card reader offline")),
	}}

	out, err := newTestPoller(source, time.Second).Await(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if out.Success || out.TimedOut {
		t.Fatalf("expected failure, got %+v", out)
	}
	if out.Message != "card reader offline" {
		t.Errorf("unexpected message %q", out.Message)
	}
}

func TestCommandPoller_AwaitTimesOut(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusPending, nil),
	}}

	start := time.Now()
	out, err := newTestPoller(source, 50*time.Millisecond).Await(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !out.TimedOut || out.Success {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if out.Command == nil || out.Command.Status != StatusPending {
		t.Errorf("expected last seen PENDING command, got %+v", out.Command)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestCommandPoller_FetchErrorsKeepPolling(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		fails(errors.New("connection reset")),
		fails(errors.New("connection reset")),
		returns(StatusDone, strPtr("ok")),
	}}

	out, err := newTestPoller(source, time.Second).Await(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !out.Success || out.Message != "ok" {
		t.Errorf("expected success after transient errors, got %+v", out)
	}
}

func TestCommandPoller_AwaitHonoursContext(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusPending, nil),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out, err := newTestPoller(source, time.Minute).Await(ctx, "cmd-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if out != nil {
		t.Errorf("expected no outcome, got %+v", out)
	}
}

func TestCommandPoller_WithTimeoutCopies(t *testing.T) {
	base := newTestPoller(&scriptedSource{}, time.Minute)
	short := base.WithTimeout(time.Second)

	if short.timeout != time.Second || base.timeout != time.Minute {
		t.Errorf("expected independent timeouts, got %v and %v", short.timeout, base.timeout)
	}
	if same := base.WithTimeout(0); same.timeout != time.Minute {
		t.Errorf("zero timeout must keep the configured one, got %v", same.timeout)
	}
}

func TestCommandPoller_Watch(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusPending, nil),
		returns(StatusDone, nil),
	}}
	results := make(chan *Outcome, 1)

	newTestPoller(source, time.Second).Watch(context.Background(), "cmd-1", func(out *Outcome, err error) {
		if err != nil {
			t.Errorf("watch: %v", err)
		}
		results <- out
	})

	select {
	case out := <-results:
		if out == nil || !out.Success {
			t.Errorf("expected success, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch never completed")
	}
}

func TestCommandPoller_WatchStop(t *testing.T) {
	source := &scriptedSource{responses: []func() (*Command, error){
		returns(StatusPending, nil),
	}}
	errs := make(chan error, 1)

	stop := newTestPoller(source, time.Minute).Watch(context.Background(), "cmd-1", func(out *Outcome, err error) {
		errs <- err
	})
	stop()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end the watch")
	}
}
