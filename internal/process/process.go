// Package process runs external commands with streaming output capture.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrCommandNotFound is returned when the executable cannot be located.
var ErrCommandNotFound = errors.New("command not found")

// fallbackDirs are searched after PATH. Homebrew and MacPorts install
// restic outside the default PATH of launchd-spawned processes.
var fallbackDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
	"/bin",
	"/opt/local/bin",
}

// Result holds the outcome of a finished process.
// Output and Error are the full stdout and stderr contents.
type Result struct {
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// LineFunc receives one complete stdout line, without the trailing newline.
// It is called from the reader goroutine while the process is running.
type LineFunc func(line string)

// Executor runs a command and captures its output.
// Implementations must not treat a non-zero exit status as an error;
// callers decide what an exit code means.
type Executor interface {
	Execute(ctx context.Context, command string, args []string, env map[string]string, onLine LineFunc) (*Result, error)
}

// OSExecutor is the os/exec based Executor.
type OSExecutor struct {
	logger zerolog.Logger
}

var _ Executor = (*OSExecutor)(nil)

// NewOSExecutor creates an executor logging through the given logger.
func NewOSExecutor(logger zerolog.Logger) *OSExecutor {
	return &OSExecutor{
		logger: logger.With().Str("component", "process").Logger(),
	}
}

// Execute resolves command, spawns it with the merged environment, and
// drains stdout and stderr concurrently until the process exits.
// Each complete stdout line is delivered to onLine as it arrives; a
// trailing unterminated line is delivered after EOF. Spawn and resolution
// failures are errors; a non-zero exit status is reported in the Result.
func (e *OSExecutor) Execute(ctx context.Context, command string, args []string, env map[string]string, onLine LineFunc) (*Result, error) {
	binary, err := e.resolve(command, env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = mergeEnv(env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	e.logger.Debug().
		Str("command", binary).
		Strs("args", args).
		Msg("executing command")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	// Both pipes are drained in parallel. Reading them sequentially can
	// deadlock once the unread pipe's buffer fills and the child blocks.
	var (
		wg        sync.WaitGroup
		outBuf    bytes.Buffer
		errBuf    bytes.Buffer
		readErrMu sync.Mutex
		readErr   error
	)

	recordReadErr := func(err error) {
		readErrMu.Lock()
		if readErr == nil {
			readErr = err
		}
		readErrMu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := readLines(stdout, &outBuf, onLine); err != nil {
			recordReadErr(fmt.Errorf("read stdout: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := io.Copy(&errBuf, stderr); err != nil {
			recordReadErr(fmt.Errorf("read stderr: %w", err))
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	result := &Result{
		Output: outBuf.String(),
		Error:  errBuf.String(),
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if readErr != nil {
		return result, readErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("wait for command: %w", waitErr)
	}

	return result, nil
}

// resolve locates the executable for command. Absolute paths are used as
// given; bare names are searched in the caller's PATH, then the process
// PATH, then the fixed fallback directories.
func (e *OSExecutor) resolve(command string, env map[string]string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrCommandNotFound)
	}

	if filepath.IsAbs(command) {
		if isExecutable(command) {
			return command, nil
		}
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, command)
	}

	pathVar := env["PATH"]
	if pathVar == "" {
		pathVar = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, command)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	for _, dir := range fallbackDirs {
		candidate := filepath.Join(dir, command)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrCommandNotFound, command)
}

// isExecutable reports whether path is a regular file with an execute bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

// mergeEnv overlays the caller's variables on the parent environment.
// PATH falls back to the fixed directories when neither side sets it.
func mergeEnv(env map[string]string) []string {
	merged := os.Environ()
	seen := make(map[string]bool, len(env))

	for i, entry := range merged {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if value, override := env[key]; override {
			merged[i] = key + "=" + value
			seen[key] = true
		}
	}

	for key, value := range env {
		if !seen[key] {
			merged = append(merged, key+"="+value)
		}
	}

	if !hasPath(merged) {
		merged = append(merged, "PATH="+strings.Join(fallbackDirs, string(os.PathListSeparator)))
	}

	return merged
}

func hasPath(env []string) bool {
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			return true
		}
	}
	return false
}

// readLines copies r into buf while splitting the stream into lines.
// Lines can exceed any fixed token size, so this reads raw chunks and
// carries the unterminated remainder between reads instead of using a
// bufio.Scanner.
func readLines(r io.Reader, buf *bytes.Buffer, onLine LineFunc) error {
	chunk := make([]byte, 32*1024)
	var carry []byte

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			carry = append(carry, chunk[:n]...)
			for {
				idx := bytes.IndexByte(carry, '\n')
				if idx < 0 {
					break
				}
				line := string(carry[:idx])
				carry = carry[idx+1:]
				if onLine != nil {
					onLine(strings.TrimSuffix(line, "\r"))
				}
			}
		}
		if err != nil {
			if len(carry) > 0 && onLine != nil {
				onLine(strings.TrimSuffix(string(carry), "\r"))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
