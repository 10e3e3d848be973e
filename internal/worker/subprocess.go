package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/resource"
)

const closeGrace = 5 * time.Second

// SubprocessConfig describes the child command. Path defaults to the running
// executable.
type SubprocessConfig struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
}

// Subprocess runs items in a dedicated child process that speaks the
// newline-delimited JSON protocol served by Serve. A child that overruns an
// item deadline is replaced in place; a child that dies on its own is not.
type Subprocess struct {
	cfg    SubprocessConfig
	bin    string
	logger *zap.Logger

	mu     sync.Mutex
	child  *child
	closed bool
}

// child is one running worker process.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	msgs   chan wireMessage
	exited chan struct{}
	probe  *resource.ProcessProbe
	logger *zap.Logger

	mu      sync.Mutex
	readErr error
}

// StartSubprocess launches the child and starts reading its output.
func StartSubprocess(cfg SubprocessConfig, logger *zap.Logger) (*Subprocess, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bin := cfg.Path
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}
	s := &Subprocess{cfg: cfg, bin: bin, logger: logger}
	c, err := s.spawn()
	if err != nil {
		return nil, err
	}
	s.child = c
	return s, nil
}

func (s *Subprocess) spawn() (*child, error) {
	cmd := exec.Command(s.bin, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stderr = s.cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subprocess %s: %w", s.bin, err)
	}
	c := &child{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		msgs:   make(chan wireMessage),
		exited: make(chan struct{}),
		probe:  resource.NewProcessProbe(cmd.Process.Pid),
		logger: s.logger.With(zap.Int("child_pid", cmd.Process.Pid)),
	}
	go c.readLoop(stdout)
	return c, nil
}

func (s *Subprocess) current() *child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// replace kills c and starts a fresh child in its place.
func (s *Subprocess) replace(c *child) error {
	c.kill()
	_ = c.stdin.Close()
	c.drain()
	<-c.exited
	next, err := s.spawn()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		next.kill()
		return errors.New("subprocess closed")
	}
	s.child = next
	c.logger.Info("child replaced after item deadline", zap.Int("new_child_pid", next.cmd.Process.Pid))
	return nil
}

func (c *child) readLoop(stdout io.Reader) {
	defer close(c.msgs)
	dec := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) {
				c.setReadErr(err)
			}
			if waitErr := c.cmd.Wait(); waitErr != nil {
				c.setReadErr(waitErr)
			}
			close(c.exited)
			return
		}
		c.msgs <- msg
	}
}

func (c *child) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *child) deadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrProcessorDead, c.readErr)
	}
	return fmt.Errorf("%w: child exited", ErrProcessorDead)
}

// drain discards output so readLoop can reach the child's exit.
func (c *child) drain() {
	go func() {
		for range c.msgs {
		}
	}()
}

func (c *child) kill() {
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("kill child", zap.Error(err))
	}
}

// Process sends the item to the child and waits for its result. When ctx
// ends mid-item the child is replaced and only the item fails; a child that
// exits by itself yields ErrProcessorDead.
func (s *Subprocess) Process(ctx context.Context, item crawler.WorkItem, stage StageFunc) (crawler.Record, error) {
	c := s.current()
	if err := c.enc.Encode(wireMessage{Type: msgProcess, Item: &item}); err != nil {
		return crawler.Record{}, fmt.Errorf("%w: send item: %w", ErrProcessorDead, err)
	}
	for {
		select {
		case <-ctx.Done():
			if err := s.replace(c); err != nil {
				return crawler.Record{}, fmt.Errorf("%w: restart after %w: %w", ErrProcessorDead, ctx.Err(), err)
			}
			return crawler.Record{}, fmt.Errorf("process %s: %w", item.URL, ctx.Err())
		case msg, ok := <-c.msgs:
			if !ok {
				return crawler.Record{}, c.deadErr()
			}
			switch msg.Type {
			case msgStage:
				if st, known := ParseState(msg.Stage); known {
					stage(st)
				}
			case msgResult:
				if err := decodeError(msg); err != nil {
					return crawler.Record{}, err
				}
				return decodeRecord(msg)
			default:
				c.logger.Warn("unexpected message from child", zap.String("type", msg.Type))
			}
		}
	}
}

// ResidentMemory returns the child's RSS.
func (s *Subprocess) ResidentMemory(ctx context.Context) (uint64, error) {
	c := s.current()
	select {
	case <-c.exited:
		return 0, c.deadErr()
	default:
	}
	rss, err := c.probe.ResidentMemory(ctx)
	if err != nil {
		return 0, fmt.Errorf("subprocess memory: %w", err)
	}
	return rss, nil
}

// PID returns the current child's process id.
func (s *Subprocess) PID() int {
	return s.current().probe.PID()
}

// Close ends the child by closing its stdin and waits for it to exit,
// killing it if it does not.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.child
	s.mu.Unlock()

	if err := c.stdin.Close(); err != nil {
		c.logger.Debug("close child stdin", zap.Error(err))
	}
	c.drain()
	select {
	case <-c.exited:
	case <-time.After(closeGrace):
		c.kill()
		<-c.exited
	}
	return nil
}
