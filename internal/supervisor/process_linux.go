//go:build linux

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/edirooss/restreamd/internal/logring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type execLauncher struct {
	log *zap.Logger
}

// NewExecLauncher spawns real engine processes. Each runs in its own process
// group and is SIGKILLed if restreamd dies.
func NewExecLauncher(log *zap.Logger) Launcher {
	return &execLauncher{log: log.Named("exec")}
}

func (l *execLauncher) Launch(_ context.Context, spec LaunchSpec) (Attempt, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	stdout, stderr, err := pipes(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	p := &process{
		log:    l.log.With(zap.String("stream_id", spec.StreamID), zap.Int("attempt", spec.Attempt), zap.Int("pid", cmd.Process.Pid)),
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdout,
		stderr: stderr,
		out:    spec.Output,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.log.Info("engine started")
	go p.supervise()
	return p, nil
}

// process is one engine attempt.
//
//	Launch -> <-Ready() (first progress report) -> ... -> <-Done()
//
// Done closes only after both pipes hit EOF and Wait has reaped the child.
type process struct {
	log *zap.Logger
	cmd *exec.Cmd
	pid int

	stdout io.ReadCloser
	stderr io.ReadCloser
	out    LineSink

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	exit     ProcessExit // written before done closes
	progress atomic.Pointer[Progress]
	cur      *Progress
}

func (p *process) PID() int { return p.pid }
func (p *process) Ready() <-chan struct{} { return p.ready }
func (p *process) Done() <-chan struct{} { return p.done }
func (p *process) Terminate() error { return p.signal(syscall.SIGTERM) }
func (p *process) Kill() error { return p.signal(syscall.SIGKILL) }

// Exit blocks until the process is reaped.
func (p *process) Exit() ProcessExit {
	<-p.done
	return p.exit
}

func (p *process) Progress() Progress {
	if pr := p.progress.Load(); pr != nil {
		return *pr
	}
	return Progress{}
}

// supervise drains both pipes, then reaps the child exactly once.
func (p *process) supervise() {
	var g errgroup.Group
	g.Go(func() error { return p.drain(p.stdout, p.handleStdout, bufio.ScanLines) })
	g.Go(func() error { return p.drain(p.stderr, p.handleStderr, scanCRLF) })
	if err := g.Wait(); err != nil {
		p.log.Warn("output drain failed", zap.Error(err))
	}

	p.exit = exitStatus(p.cmd.Wait())
	p.log.Info("engine exited", zap.Stringer("exit", p.exit))
	close(p.done)
}

func (p *process) drain(r io.Reader, handle func(string), split bufio.SplitFunc) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(split)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			handle(line)
		}
	}
	if err := sc.Err(); err != nil {
		// keep the pipe flowing so the child never blocks on write
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func (p *process) handleStderr(line string) {
	p.out.Append(logring.Stderr, line)
}

// handleStdout consumes `-progress pipe:1` key=value blocks. Each block ends
// with progress=continue|end; the first one marks the attempt live.
func (p *process) handleStdout(line string) {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		p.out.Append(logring.Stdout, line)
		return
	}

	cur := p.pending()
	switch key {
	case "frame":
		cur.Frame, _ = strconv.ParseInt(val, 10, 64)
	case "fps":
		cur.FPS, _ = strconv.ParseFloat(val, 64)
	case "bitrate":
		cur.Bitrate = val
	case "speed":
		cur.Speed = val
	case "out_time":
		cur.OutTime = val
	case "progress":
		cur.UpdatedAt = time.Now()
		snap := *cur
		p.progress.Store(&snap)
		p.readyOnce.Do(func() {
			p.log.Info("engine is live")
			close(p.ready)
		})
	}
}

// pending returns the progress block being assembled. Only the stdout
// goroutine touches it.
func (p *process) pending() *Progress {
	if p.cur == nil {
		p.cur = &Progress{}
	}
	return p.cur
}

func (p *process) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.log.Info("signalling process group", zap.Stringer("signal", sig))
	if err := syscall.Kill(-p.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill -%s %d: %w", sig, p.pid, err)
	}
	return nil
}

func exitStatus(err error) ProcessExit {
	if err == nil {
		return ProcessExit{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ProcessExit{Code: -1, Signal: signalName(ws.Signal())}
		}
		return ProcessExit{Code: ee.ExitCode()}
	}
	return ProcessExit{Code: -1, Signal: "unknown: " + err.Error()}
}

// signalName returns the SIGxxx name, falling back to the number.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return "signal " + strconv.Itoa(int(sig))
}

// pipes creates stdout and stderr pipes, closing the first if the second
// fails. exec.Cmd only takes ownership once Start succeeds.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdout, stderr, nil
}

// scanCRLF splits on '\n' or '\r' so carriage-return status updates become
// separate lines.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
