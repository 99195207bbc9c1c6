package worker

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"taskforge/internal/bgtask"
)

// maxCapturedOutputBytes bounds how much of a shell command's stdout is
// kept in the reply — a runaway command must not balloon the checkpoint.
const maxCapturedOutputBytes = 64 * 1024

// ShellRuntime is the reference AgentRuntime: it runs payload.Prompt as a
// shell command in payload.Cwd, using exec.CommandContext for
// context-based timeout/cancel and a byte-capped output buffer. It exists
// so taskforge is runnable end to end without a real model-backed
// collaborator wired in.
type ShellRuntime struct {
	// Shell is the interpreter invoked with "-c <prompt>". Defaults to
	// "/bin/sh" when empty.
	Shell string
}

func (r *ShellRuntime) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return "/bin/sh"
}

// Execute implements AgentRuntime.
func (r *ShellRuntime) Execute(ctx context.Context, payload Payload) (*bgtask.Result, error) {
	if payload.Prompt == "" {
		return nil, fmt.Errorf("shell runtime: empty prompt")
	}

	before := snapshotMtimes(payload.Cwd)

	cmd := exec.CommandContext(ctx, r.shell(), "-c", payload.Prompt)
	if payload.Cwd != "" {
		cmd.Dir = payload.Cwd
	}
	cmd.Env = os.Environ()

	var out limitedWriter
	out.max = maxCapturedOutputBytes
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	after := snapshotMtimes(payload.Cwd)
	changed := diffChanged(before, after)

	result := &bgtask.Result{
		Reply:          out.buf.String(),
		CompletedFiles: changed,
		ToolEvents:     1,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return result, fmt.Errorf("shell runtime: command exited %d", exitErr.ExitCode())
		}
		return result, fmt.Errorf("shell runtime: %w", runErr)
	}
	return result, nil
}

// limitedWriter caps how many bytes are retained, discarding the rest
// rather than letting output grow the checkpoint without bound.
type limitedWriter struct {
	buf bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if remaining > len(p) {
			remaining = len(p)
		}
		w.buf.Write(p[:remaining])
	}
	return len(p), nil
}

func snapshotMtimes(dir string) map[string]time.Time {
	out := make(map[string]time.Time)
	if dir == "" {
		return out
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[path] = info.ModTime()
		return nil
	})
	return out
}

func diffChanged(before, after map[string]time.Time) []string {
	var changed []string
	for path, mtime := range after {
		if prev, ok := before[path]; !ok || !prev.Equal(mtime) {
			changed = append(changed, path)
		}
	}
	return changed
}
