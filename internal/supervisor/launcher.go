package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ReportFD is the descriptor a child process writes its report to.
const ReportFD = 3

// Launcher starts one role of a run.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is a started role.
type Handle interface {
	// Wait blocks until the role exits. It may be called more than once.
	Wait() Result
	// Done is closed once the role has exited.
	Done() <-chan struct{}
}

// Result is how a role ended. Report is the role's JSON report, if any.
type Result struct {
	Spec   Spec
	Report json.RawMessage
	Err    error
}

// envelope is the report wire format between a child and its launcher.
type envelope struct {
	Report json.RawMessage `json:"report,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WriteReport encodes a role's outcome for the launcher that started it.
func WriteReport(w io.Writer, report interface{}, runErr error) error {
	var env envelope
	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		env.Report = data
	}
	if runErr != nil {
		env.Error = runErr.Error()
	}
	return json.NewEncoder(w).Encode(env)
}

// InProcess runs roles as goroutines of the calling process.
type InProcess struct {
	Env Env
}

type goroutineHandle struct {
	done   chan struct{}
	result Result
}

func (h *goroutineHandle) Wait() Result {
	<-h.done
	return h.result
}

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

// Start implements Launcher.
func (l InProcess) Start(ctx context.Context, spec Spec) (Handle, error) {
	h := &goroutineHandle{done: make(chan struct{}), result: Result{Spec: spec}}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.result.Err = fmt.Errorf("%s panicked: %v", spec, r)
			}
		}()
		report, err := RunRole(ctx, l.Env, spec)
		h.result.Err = err
		if report != nil {
			data, merr := json.Marshal(report)
			if merr != nil && err == nil {
				h.result.Err = fmt.Errorf("encode report: %w", merr)
			}
			h.result.Report = data
		}
	}()
	return h, nil
}

// Process runs each role as a child process of this binary. Children get
// the role as arguments, the configuration path, and a pipe on ReportFD.
type Process struct {
	// Path is the executable. Empty selects the running binary.
	Path string
	// Prefix goes before the role arguments.
	Prefix []string
	// ConfigPath is passed as --config when set.
	ConfigPath string
	// Env is added to the inherited environment.
	Env []string
	// Stdout and Stderr receive the child's output. Nil selects ours.
	Stdout, Stderr io.Writer
	// StopGrace is how long a child may take to exit after ctx ends before
	// it is killed. Default 5s.
	StopGrace time.Duration
}

// Args returns the command line for spec after Prefix.
func (l Process) Args(spec Spec) []string {
	args := []string{string(spec.Role)}
	if spec.Name != "" {
		args = append(args, spec.Name)
	}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	return append(args, "--report-fd", strconv.Itoa(ReportFD))
}

type processHandle struct {
	spec   Spec
	cmd    *exec.Cmd
	report *os.File

	once   sync.Once
	done   chan struct{}
	result Result
}

// Start implements Launcher. Cancelling ctx sends the child SIGTERM.
func (l Process) Start(ctx context.Context, spec Spec) (Handle, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create report pipe: %w", err)
	}

	args := append(append([]string{}, l.Prefix...), l.Args(spec)...)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{w} // ReportFD

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start %s: %w", spec, err)
	}
	w.Close()
	logs.Diagf("started %s as pid %d", spec, cmd.Process.Pid)
	h := &processHandle{spec: spec, cmd: cmd, report: r, done: make(chan struct{})}
	go h.Wait()
	return h, nil
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Wait() Result {
	h.once.Do(func() {
		defer close(h.done)
		data, readErr := io.ReadAll(h.report)
		h.report.Close()
		waitErr := h.cmd.Wait()

		h.result = Result{Spec: h.spec}
		var env envelope
		if len(data) > 0 {
			if err := json.Unmarshal(data, &env); err != nil {
				h.result.Err = fmt.Errorf("%s: malformed report: %w", h.spec, err)
				return
			}
		}
		h.result.Report = env.Report
		switch {
		case env.Error != "":
			h.result.Err = errors.New(env.Error)
		case waitErr != nil:
			h.result.Err = fmt.Errorf("%s exited: %w", h.spec, waitErr)
		case readErr != nil:
			h.result.Err = fmt.Errorf("%s: read report: %w", h.spec, readErr)
		case len(data) == 0:
			h.result.Err = fmt.Errorf("%s exited without a report", h.spec)
		}
	})
	return h.result
}
