package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"commonroom/pkg/eventlog"
	"commonroom/pkg/metrics"
	"commonroom/pkg/protocol"
)

// spawn starts entry in its own process group and tracks it.
//
// When a log dir is configured, stdout/stderr go to
// <logDir>/<id>/output.log (created if needed). Otherwise output falls back
// to the supervisor's own stdout/stderr with a warning.
func (r *Registry) spawn(entry protocol.ProcessEntry) (*handle, error) {
	cmd := r.cmdFactory(entry)
	setProcessGroup(cmd)

	if r.logDir == "" {
		r.log.Warn().Str("process", entry.ID).Msg("no log dir configured; process output goes to supervisor log")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return r.startAndTrack(entry.ID, cmd, nil)
	}

	dir := filepath.Join(r.logDir, entry.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create process log dir %s: %w", dir, err)
	}
	logPath := filepath.Join(dir, "output.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is derived from config
	if err != nil {
		return nil, fmt.Errorf("open process log %s: %w", logPath, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	return r.startAndTrack(entry.ID, cmd, logFile)
}

// startAndTrack starts cmd, records its handle and launches a reaper that
// drops the handle once the process exits.
func (r *Registry) startAndTrack(id string, cmd *exec.Cmd, logFile *os.File) (*handle, error) {
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	// The child inherited the fd; the parent's copy is no longer needed.
	if logFile != nil {
		_ = logFile.Close()
	}

	h := &handle{
		RunningHandle: protocol.RunningHandle{
			EntryID:   id,
			PID:       cmd.Process.Pid,
			StartedAt: r.now(),
		},
		proc: cmd.Process,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.handles[id] = h
	metrics.TrackedProcesses.Set(float64(len(r.handles)))
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := cmd.Wait()
		close(h.done)

		r.mu.Lock()
		stillTracked := r.handles[id] == h
		if stillTracked {
			delete(r.handles, id)
			metrics.TrackedProcesses.Set(float64(len(r.handles)))
		}
		r.mu.Unlock()

		// Exits caused by Stop are reported there.
		if !stillTracked {
			return
		}
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		r.log.Warn().Err(err).Str("process", id).Int("pid", h.PID).Int("exit_code", code).Msg("process exited")
		r.record(context.Background(), eventlog.TypeProcessExit, id, map[string]any{"pid": h.PID, "exit_code": code})
	}()

	return h, nil
}

// terminate ends h and its descendants: a polite signal first, then a
// forced kill once the grace period expires. It returns once the reaper
// has observed the exit, or ctx is done.
func (r *Registry) terminate(ctx context.Context, h *handle) error {
	if h.exited() {
		return nil
	}
	if err := interruptGroup(h.proc); err != nil {
		if h.exited() {
			return nil
		}
		// Could not signal politely; fall straight through to a forced kill.
		r.log.Debug().Err(err).Int("pid", h.PID).Msg("interrupt failed, killing")
	} else {
		select {
		case <-h.done:
			return nil
		case <-time.After(r.grace):
		case <-ctx.Done():
		}
	}

	if err := killGroup(h.proc); err != nil && !h.exited() {
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(r.grace):
		return fmt.Errorf("pid %d did not exit after kill", h.PID)
	case <-ctx.Done():
		return ctx.Err()
	}
}
