package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/jingkaihe/skillrunner/pkg/osutil"
	"github.com/jingkaihe/skillrunner/pkg/skills"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/pkg/errors"
)

// Environment variables every skill process receives.
const (
	EnvContext     = "SKILL_CONTEXT"
	EnvContextFile = "SKILL_CONTEXT_FILE"
	EnvCacheDir    = "SKILL_CACHE_DIR"
	EnvSkillName   = "SKILL_NAME"
	EnvSkillDir    = "SKILL_DIR"
)

const maxStderrBytes = 64 << 10

var (
	errTimeout        = errors.New("skill timed out")
	errOutputTooLarge = errors.New("skill output exceeded limit")
)

type spawnRequest struct {
	id       string
	skill    *skills.Skill
	script   string
	context  map[string]any
	timeout  time.Duration
	maxBytes int64
}

// spawn runs the script in its own process group and returns its parsed
// standard output. The context file is removed on every path.
func (e *Executor) spawn(ctx context.Context, req spawnRequest) (*skilltypes.Result, error) {
	log := logger.G(ctx)

	contextJSON, err := json.Marshal(req.context)
	if err != nil {
		return nil, skilltypes.WrapError(err, skilltypes.CodeInternal, "failed to encode skill context")
	}

	contextFile, err := writeContextFile(contextJSON)
	if err != nil {
		return nil, skilltypes.WrapError(err, skilltypes.CodeInternal, "failed to write skill context file")
	}
	defer func() {
		if err := os.Remove(contextFile); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", contextFile).Warn("failed to remove skill context file")
		}
	}()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	execCtx, cancel := context.WithTimeoutCause(runCtx, req.timeout, errTimeout)
	defer cancel()

	cmd := command(execCtx, req.script, string(contextJSON))
	cmd.Dir = req.skill.Directory
	cmd.Env = append(os.Environ(),
		EnvContext+"="+string(contextJSON),
		EnvContextFile+"="+contextFile,
		EnvCacheDir+"="+e.cacheDir(),
		EnvSkillName+"="+req.skill.Name,
		EnvSkillDir+"="+req.skill.Directory,
	)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)
	cmd.WaitDelay = osutil.GracefulShutdownDelay

	stdout := newBoundedBuffer(req.maxBytes, func() { cancelRun(errOutputTooLarge) })
	stderr := newBoundedBuffer(maxStderrBytes, nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, skilltypes.WrapError(err, skilltypes.CodeSpawnFailed, fmt.Sprintf("failed to start %s", req.script))
	}
	e.setPID(req.id, cmd.Process.Pid)
	log.WithField("pid", cmd.Process.Pid).WithField("script", req.script).Debug("skill process started")

	waitErr := cmd.Wait()

	if stderr.Overflowed() || len(stderr.Bytes()) > 0 {
		log.WithField("stderr", tail(stderr.String(), 2048)).Debug("skill wrote to stderr")
	}

	if stdout.Overflowed() {
		return nil, skilltypes.NewError(skilltypes.CodeOutputTooLarge,
			fmt.Sprintf("skill output exceeded %d bytes", req.maxBytes),
			map[string]any{"limit": req.maxBytes})
	}

	cause := context.Cause(execCtx)
	switch {
	case errors.Is(cause, errTimeout):
		return nil, skilltypes.NewError(skilltypes.CodeTimeout,
			fmt.Sprintf("skill timed out after %v", req.timeout),
			map[string]any{"timeoutMs": req.timeout.Milliseconds()})
	case ctx.Err() != nil:
		return nil, skilltypes.WrapError(context.Cause(ctx), skilltypes.CodeCanceled, "skill execution canceled")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, skilltypes.NewError(skilltypes.CodeNonZeroExit,
				fmt.Sprintf("skill exited with code %d", exitErr.ExitCode()),
				map[string]any{
					"exitCode": exitErr.ExitCode(),
					"stderr":   tail(stderr.String(), 4096),
				})
		}
		return nil, skilltypes.WrapError(waitErr, skilltypes.CodeSpawnFailed, "failed waiting for skill process")
	}

	return skilltypes.ParseOutput(stdout.Bytes()), nil
}

// command builds the invocation for script. Known script types run under
// their interpreter, anything else is executed directly. The context JSON is
// also passed as the first argument.
func command(ctx context.Context, script, contextJSON string) *exec.Cmd {
	if interpreter := osutil.InterpreterFor(script); interpreter != "" {
		return exec.CommandContext(ctx, interpreter, script, contextJSON)
	}
	return exec.CommandContext(ctx, script, contextJSON)
}

func writeContextFile(contextJSON []byte) (string, error) {
	f, err := os.CreateTemp("", "skill-context-*.json")
	if err != nil {
		return "", err
	}
	path := f.Name()

	if _, err := f.Write(contextJSON); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
