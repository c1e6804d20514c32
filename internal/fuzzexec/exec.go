// Package fuzzexec implements the executor (X) component from spec.md
// section 4.2: it spawns the instrumented target, wires the shared coverage
// bitmap and ASan options into its environment, enforces a wall-clock
// timeout and a best-effort memory limit, and classifies the outcome as
// normal exit, crash, or hang.
package fuzzexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/orizon-lang/grayfuzz/internal/fuzzerr"
	"github.com/orizon-lang/grayfuzz/internal/fuzzlog"
)

// argTemplateToken is the literal argv placeholder substituted with the
// staged input file's path (spec.md section 4.2).
const argTemplateToken = "@@"

var signalCrashSet = map[string]bool{
	"SIGSEGV": true,
	"SIGABRT": true,
	"SIGBUS":  true,
	"SIGILL":  true,
	"SIGFPE":  true,
}

// asanDefaults is merged into any existing ASAN_OPTIONS value (spec.md
// section 4.2 and 4.6).
const asanDefaults = "exitcode=77:abort_on_error=1:symbolize=0:detect_leaks=0"

// Options configures one Executor. All fields mirror the CLI surface
// enumerated in spec.md section 4.6.
type Options struct {
	Target       string
	Args         []string
	Timeout      time.Duration
	MemLimitMB   int
	StderrMaxLen int
	UseSandbox   bool
	ScratchDir   string
	BitmapID     int
	ExtraEnv     []string
}

// ExecutionResult is the single owning value returned from one Execute
// call (spec.md section 3). Coverage, if requested, is an independent
// snapshot of the live shared region taken by the caller after Execute
// returns, not by this package.
type ExecutionResult struct {
	ExitCode   int
	Signal     string
	Crashed    bool
	Hanged     bool
	ExecTimeUs uint64
	Stdout     []byte
	Stderr     []byte
}

// Executor runs one target binary repeatedly with varying inputs.
type Executor struct {
	opts   Options
	log    *fuzzlog.OnceLogger
	bwrap  string
	usesAt bool
}

// New validates opts and resolves sandbox availability once up front, the
// way the teacher's SecureCommandExecutor resolves its allow-list once in
// NewSecureCommandExecutor rather than per call.
func New(opts Options, log *fuzzlog.OnceLogger) (*Executor, error) {
	if opts.Target == "" {
		return nil, fuzzerr.Configuration("executor target", fmt.Errorf("target must not be empty"))
	}

	if log == nil {
		log = fuzzlog.NewOnce(os.Stderr)
	}

	e := &Executor{opts: opts, log: log}

	for _, a := range opts.Args {
		if strings.Contains(a, argTemplateToken) {
			e.usesAt = true

			break
		}
	}

	if opts.UseSandbox {
		if path, err := exec.LookPath("bwrap"); err == nil {
			e.bwrap = path
		} else {
			log.WarnOnce("sandbox-unavailable", "bubblewrap requested but bwrap not found in PATH, running target directly: %s", err)
		}
	}

	return e, nil
}

// Execute runs the target once against input, returning the classified
// outcome. The only blocking point is awaiting child termination or timeout
// expiry (spec.md section 5's suspension-point invariant).
func (e *Executor) Execute(ctx context.Context, input []byte) (*ExecutionResult, error) {
	var (
		stagedPath string
		stdinData  []byte
	)

	if e.usesAt {
		f, err := e.stageInput(input)
		if err != nil {
			return nil, fuzzerr.Filesystem(f, err)
		}

		stagedPath = f
		defer os.Remove(stagedPath)
	} else {
		stdinData = input
	}

	args := make([]string, len(e.opts.Args))
	for i, a := range e.opts.Args {
		args[i] = strings.ReplaceAll(a, argTemplateToken, stagedPath)
	}

	name, fullArgs := e.opts.Target, args
	if e.bwrap != "" {
		name, fullArgs = e.wrapWithSandbox(e.opts.Target, args)
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, fullArgs...)
	cmd.Env = e.buildEnv()

	if stdinData != nil {
		cmd.Stdin = bytes.NewReader(stdinData)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{buf: &stderr, max: e.stderrMax()}

	setProcessGroup(cmd)

	cmd.Cancel = func() error {
		killProcessGroup(cmd)

		return nil
	}

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fuzzerr.Spawn(e.opts.Target, err)
	}

	applyMemLimit(cmd.Process.Pid, e.opts.MemLimitMB, e.log)

	err := cmd.Wait()
	elapsed := time.Since(start)

	result := &ExecutionResult{
		ExecTimeUs: uint64(elapsed.Microseconds()),
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
	}

	if runCtx.Err() != nil {
		killProcessGroup(cmd)
		result.Hanged = true
		result.ExitCode = -1

		return result, nil
	}

	classifyExit(result, err)

	return result, nil
}

func classifyExit(result *ExecutionResult, err error) {
	if err == nil {
		result.ExitCode = 0

		return
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		result.ExitCode = -1

		return
	}

	result.ExitCode = exitErr.ExitCode()

	sig := signalFromExitError(exitErr)
	if sig != "" {
		result.Signal = sig
	}

	result.Crashed = result.ExitCode == 77 || signalCrashSet[result.Signal] || result.ExitCode >= 128
}

func (e *Executor) stageInput(input []byte) (string, error) {
	dir := e.opts.ScratchDir
	if dir == "" {
		dir = preferredTmpfsDir()
	}

	f, err := os.CreateTemp(dir, "grayfuzz-input-*")
	if err != nil {
		return "", err
	}

	if _, err := f.Write(input); err != nil {
		f.Close()
		os.Remove(f.Name())

		return f.Name(), err
	}

	path := f.Name()

	return path, f.Close()
}

func preferredTmpfsDir() string {
	for _, cand := range []string{"/dev/shm", "/tmp"} {
		if st, err := os.Stat(cand); err == nil && st.IsDir() {
			return cand
		}
	}

	return ""
}

func (e *Executor) buildEnv() []string {
	env := os.Environ()
	env = append(env, fmt.Sprintf("__AFL_SHM_ID=%d", e.opts.BitmapID))
	env = append(env, "AFL_NO_FORKSRV=1")
	env = mergeAsanOptions(env)
	env = append(env, e.opts.ExtraEnv...)

	return env
}

func mergeAsanOptions(env []string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, "ASAN_OPTIONS=") {
			existing := strings.TrimPrefix(kv, "ASAN_OPTIONS=")
			env[i] = "ASAN_OPTIONS=" + asanDefaults + ":" + existing

			return env
		}
	}

	return append(env, "ASAN_OPTIONS="+asanDefaults)
}

// wrapWithSandbox prepends a bubblewrap invocation binding the target and
// its shared libraries read-only and only the scratch directory read-write
// (spec.md section 4.2).
func (e *Executor) wrapWithSandbox(target string, args []string) (string, []string) {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		absTarget = target
	}

	scratch := e.opts.ScratchDir
	if scratch == "" {
		scratch = preferredTmpfsDir()
	}

	bwArgs := []string{
		"--ro-bind", filepath.Dir(absTarget), filepath.Dir(absTarget),
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/usr/lib", "/usr/lib",
		"--bind", scratch, scratch,
		"--die-with-parent",
		"--",
		absTarget,
	}

	return e.bwrap, append(bwArgs, args...)
}

func (e *Executor) stderrMax() int {
	if e.opts.StderrMaxLen <= 0 {
		return 8192
	}

	return e.opts.StderrMaxLen
}

// limitedWriter caps captured stderr to max bytes (spec.md section 4.3's
// stderr_max_len), silently discarding the remainder.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}

	if len(p) > remaining {
		w.buf.Write(p[:remaining])
	} else {
		w.buf.Write(p)
	}

	return len(p), nil
}
