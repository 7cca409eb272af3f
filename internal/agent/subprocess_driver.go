package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/re-cinq/agentgate/internal/procmgr"
)

// billingKeyDenylist excludes provider-billing environment variables when
// a subscription-mode driver is active, per spec.md §4.2. Names are
// matched case-sensitively against the host environment.
var billingKeyDenylist = map[string]bool{
	"ANTHROPIC_API_KEY": true,
	"OPENAI_API_KEY":    true,
	"OPENAI_ORG_ID":     true,
	"AZURE_OPENAI_API_KEY": true,
	"COHERE_API_KEY":    true,
	"GOOGLE_API_KEY":    true,
	"GEMINI_API_KEY":    true,
}

// DefaultTimeout applies when a Request carries no TimeoutMS.
const DefaultTimeout = 10 * time.Minute

// DefaultKillGrace is how long Execute waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 5 * time.Second

// SubprocessDriver invokes a coding-agent binary as a child process. PTY
// allocation, env sanitizing, and the SIGTERM-then-grace-then-SIGKILL
// cancellation shape are grounded in the teacher's
// internal/engine/engine.go invokeAgent; this generalizes it from one
// fixed agent config into one Driver per configured binary.
type SubprocessDriver struct {
	name             string
	command          string
	baseArgs         []string
	subscriptionMode bool
	capabilities     Capabilities
}

// NewSubprocessDriver builds a driver that execs command with baseArgs
// prepended to every request's derived argv.
func NewSubprocessDriver(name, command string, baseArgs []string, subscriptionMode bool, caps Capabilities) *SubprocessDriver {
	return &SubprocessDriver{
		name:             name,
		command:          command,
		baseArgs:         baseArgs,
		subscriptionMode: subscriptionMode,
		capabilities:     caps,
	}
}

func (d *SubprocessDriver) Name() string { return d.name }

func (d *SubprocessDriver) Capabilities() Capabilities { return d.capabilities }

func (d *SubprocessDriver) IsAvailable() bool {
	path, err := exec.LookPath(d.command)
	return err == nil && path != ""
}

func (d *SubprocessDriver) buildEnv() []string {
	host := os.Environ()
	env := make([]string, 0, len(host)+2)
	for _, kv := range host {
		if d.subscriptionMode {
			name, _, _ := strings.Cut(kv, "=")
			if billingKeyDenylist[name] {
				continue
			}
		}
		env = append(env, kv)
	}
	env = append(env, "NO_COLOR=1", "FORCE_COLOR=0")
	return env
}

func (d *SubprocessDriver) buildArgs(req Request) []string {
	args := append([]string{}, d.baseArgs...)
	if req.SessionID != "" && d.capabilities.SupportsSessionResume {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Constraints.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.Constraints.MaxTurns))
	}
	if req.Constraints.AdditionalSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.Constraints.AdditionalSystemPrompt)
	}
	return args
}

func (d *SubprocessDriver) prompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	if req.PriorFeedback != "" {
		sb.WriteString("\n\n## Feedback from previous iteration\n\n")
		sb.WriteString(req.PriorFeedback)
	}
	if req.GatePlanSummary != "" {
		sb.WriteString("\n\n## Gate plan\n\n")
		sb.WriteString(req.GatePlanSummary)
	}
	return sb.String()
}

func (d *SubprocessDriver) Execute(ctx context.Context, req Request, opts ExecOpts) (AgentResult, error) {
	timeout := deadline(req.TimeoutMS, DefaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.command, d.buildArgs(req)...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = d.buildEnv()

	prompt := d.prompt(req)
	cmd.Stdin = strings.NewReader(prompt)

	ptmx, pts, err := pty.Open()
	if err != nil {
		return AgentResult{}, fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdout = pts
	cmd.Stderr = pts

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pts.Close()
		return AgentResult{}, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	var streaming bool
	var parser *streamParser
	if opts.OnEvent != nil && opts.WorkOrderID != "" && opts.RunID != "" {
		streaming = true
		parser = newStreamParser(opts.WorkOrderID, opts.RunID, opts.OnEvent)
		parser.phase.expectedElapsed = timeout
	}

	var output bytes.Buffer
	var copyDone sync.WaitGroup
	copyDone.Add(1)
	go func() {
		defer copyDone.Done()
		if streaming {
			reader := io.TeeReader(ptmx, &output)
			parser.consume(reader)
		} else {
			io.Copy(&output, ptmx)
		}
	}()

	// When the caller supplies a ProcManager, hand the subprocess's wait
	// and kill-escalation over to it entirely per spec.md §4.8, rather
	// than duplicating SIGTERM-then-grace-then-SIGKILL bookkeeping here.
	// cmd.Wait must only ever be called by one owner, so the two paths
	// below are mutually exclusive.
	usingProcManager := opts.ProcManager != nil && opts.WorkOrderID != "" && opts.RunID != ""
	var procDone <-chan struct{}
	waitErr := make(chan error, 1)
	if usingProcManager {
		if regErr := opts.ProcManager.Register(opts.WorkOrderID, opts.RunID, cmd); regErr != nil {
			usingProcManager = false
		} else {
			procDone, _ = opts.ProcManager.Done(opts.WorkOrderID)
		}
	}
	if !usingProcManager {
		go func() { waitErr <- cmd.Wait() }()
	}

	var cancelled, timedOut bool
	if usingProcManager {
		select {
		case <-procDone:
		case <-opts.Cancel:
			cancelled = true
			opts.ProcManager.Kill(opts.WorkOrderID, procmgr.KillOpts{GracePeriod: DefaultKillGrace, Reason: "canceled"})
		case <-runCtx.Done():
			// exec.CommandContext's default Cancel already signalled the
			// process; the manager's own watch goroutine still observes it.
			timedOut = runCtx.Err() == context.DeadlineExceeded
			<-procDone
		}
	} else {
		select {
		case err = <-waitErr:
		case <-opts.Cancel:
			cancelled = true
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case err = <-waitErr:
			case <-time.After(DefaultKillGrace):
				_ = cmd.Process.Kill()
				err = <-waitErr
			}
		case <-runCtx.Done():
			// exec.CommandContext already sent SIGKILL on timeout; just drain.
			timedOut = runCtx.Err() == context.DeadlineExceeded
			err = <-waitErr
		}
	}

	copyDone.Wait()

	result := AgentResult{
		DurationMS: time.Since(start).Milliseconds(),
		Cancelled:  cancelled,
		TimedOut:   timedOut,
	}

	if timedOut {
		// Per spec.md §4.2/§8, a timed-out request reports the
		// conventional timeout(1) exit status rather than whatever the
		// killed process's own exit code happened to be.
		result.ExitCode = 124
	} else if usingProcManager {
		if info, ok := opts.ProcManager.Info(opts.WorkOrderID); ok && info.ExitCode != nil {
			result.ExitCode = *info.ExitCode
		}
	} else {
		var pathErr *os.PathError
		if err != nil && !(errors.As(err, &pathErr) && pathErr.Err == syscall.EIO) {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			} else if !cancelled {
				return result, fmt.Errorf("running agent: %w", err)
			}
		}
	}

	result.Stdout = output.String()
	result.Success = result.ExitCode == 0 && !cancelled && !timedOut

	if !streaming {
		d.parseFinalResult(&result)
	}

	return result, nil
}

// parseFinalResult scans stdout from the bottom for the last line
// starting with '{' and parses it as JSON, per spec.md §4.2. Falls back
// to wrapping the raw stdout when no valid JSON object is found.
func (d *SubprocessDriver) parseFinalResult(result *AgentResult) {
	lines := strings.Split(result.Stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] != '{' {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		result.StructuredOutput = parsed
		if sid, ok := parsed["session_id"].(string); ok {
			result.SessionID = sid
		} else if sid, ok := parsed["sessionId"].(string); ok {
			result.SessionID = sid
		}
		if usage, ok := parsed["usage"].(map[string]any); ok {
			result.TokensUsed = sumTokenUsage(usage)
		}
		return
	}
	result.StructuredOutput = map[string]any{"result": result.Stdout}
}

func sumTokenUsage(usage map[string]any) int64 {
	var total int64
	for _, key := range []string{"input_tokens", "output_tokens"} {
		if v, ok := usage[key].(float64); ok {
			total += int64(v)
		}
	}
	return total
}
