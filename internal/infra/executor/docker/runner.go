package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

var defaultImages = map[string]string{
	domain.ToolSparrow:    "forensics/sparrow:latest",
	domain.ToolHawk:       "forensics/hawk:latest",
	domain.ToolLoki:       "forensics/loki:latest",
	domain.ToolYara:       "forensics/yara:latest",
	domain.ToolVolatility: "forensics/volatility3:latest",
}

const (
	maxLineBytes = 1024 * 1024
	// force-close the output pipes if a killed tool left children holding them
	waitDelay = 5 * time.Second
	rmTimeout = 15 * time.Second
)

// Config untuk Runner
type Config struct {
	DockerBinary string
	WorkDir      string
	EvidenceDir  string
	Images       map[string]string
	StepTimeout  time.Duration
}

// Runner runs one forensic tool container per step and streams its output.
type Runner struct {
	cfg    Config
	logger logrus.FieldLogger
}

func NewRunner(cfg Config, logger logrus.FieldLogger) *Runner {
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	return &Runner{cfg: cfg, logger: logger}
}

func (r *Runner) image(tool string) string {
	if img, ok := r.cfg.Images[tool]; ok && img != "" {
		return img
	}
	return defaultImages[tool]
}

// ContainerName is unique per execution so a leftover container from an
// earlier run never blocks a new one.
func ContainerName(req domain.StepRequest) string {
	return fmt.Sprintf("%s-%s-%d-%s", strings.ToLower(string(req.AnalysisID)), req.Tool, req.Step, uuid.NewString()[:8])
}

// Args builds the docker command line for one step.
func (r *Runner) Args(req domain.StepRequest, name string) ([]string, error) {
	image := r.image(req.Tool)
	if image == "" {
		return nil, errors.Wrapf(domain.ErrInvalidRequest, "unsupported tool: %s", req.Tool)
	}
	if req.CaseID == "" || filepath.Base(req.CaseID) != req.CaseID || strings.HasPrefix(req.CaseID, ".") {
		return nil, errors.Wrapf(domain.ErrInvalidRequest, "invalid case id %q", req.CaseID)
	}

	// -i keeps stdin open so prompt answers can be written back
	args := []string{"run", "--rm", "-i", "--name", name}
	if r.cfg.EvidenceDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/evidence:ro", filepath.Join(r.cfg.EvidenceDir, req.CaseID)))
	}

	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("OPT_%s=%s", strings.ToUpper(k), req.Options[k]))
	}
	args = append(args, image)

	users := strings.Join(req.TargetUsers, ",")
	switch req.Tool {
	case domain.ToolSparrow:
		args = append(args, "pwsh", "-File", "/opt/sparrow/Sparrow.ps1", "-ExportDir", "/tmp/out")
		if v := req.Options["start_date"]; v != "" {
			args = append(args, "-StartDate", v)
		}
		if v := req.Options["end_date"]; v != "" {
			args = append(args, "-EndDate", v)
		}
	case domain.ToolHawk:
		if users == "" {
			return nil, errors.Wrap(domain.ErrInvalidRequest, "hawk needs at least one target user")
		}
		args = append(args, "pwsh", "-Command",
			fmt.Sprintf("Start-HawkUserInvestigation -UserPrincipalName %s", users))
	case domain.ToolLoki:
		args = append(args, "--path", "/evidence", "--noprocscan", "--dontwait", "--csv=false")
	case domain.ToolYara:
		rules := req.Options["yara_rules"]
		if rules == "" {
			rules = "/rules/index.yar"
		}
		args = append(args, "-r", "-w", rules, "/evidence")
	case domain.ToolVolatility:
		dump := req.Options["memory_image"]
		if dump == "" || filepath.Base(dump) != dump {
			return nil, errors.Wrap(domain.ErrInvalidRequest, "volatility needs memory_image")
		}
		plugin := req.Options["volatility_plugin"]
		if plugin == "" {
			plugin = "windows.pslist"
		}
		args = append(args, "-q", "-f", "/evidence/"+dump, plugin)
	}
	return args, nil
}

// removeContainer force-removes the step container. Killing the docker CLI
// alone leaves the container running on the daemon.
func (r *Runner) removeContainer(name string, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), rmTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.cfg.DockerBinary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		logger.WithError(err).WithField("output", strings.TrimSpace(string(out))).Warn("remove container")
	}
}

// RunStep implements domain.ToolExecutor. The tool runs exactly once; when it
// asks a question the step blocks on req.Ask and the answer is written to the
// still-open stdin.
func (r *Runner) RunStep(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	start := time.Now()
	name := ContainerName(req)
	args, err := r.Args(req, name)
	if err != nil {
		return domain.StepResult{}, err
	}

	if r.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.StepTimeout)
		defer cancel()
	}
	runCtx, kill := context.WithCancel(ctx)
	defer kill()

	logger := r.logger.WithFields(logrus.Fields{"analysis_id": req.AnalysisID, "tool": req.Tool, "step": req.Step, "container": name})

	cmd := exec.CommandContext(runCtx, r.cfg.DockerBinary, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Cancel = func() error {
		r.removeContainer(name, logger)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.StepResult{}, errors.Wrap(err, "stdin pipe")
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return domain.StepResult{}, errors.Wrapf(err, "start %s", req.Tool)
	}
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	var (
		counts domain.FindingCounts
		askErr error
	)
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if p, ok := ParsePrompt(line); ok {
			if req.Ask == nil {
				askErr = p
				break
			}
			answer, err := req.Ask(ctx, p)
			if err != nil {
				askErr = err
				break
			}
			if _, err := io.WriteString(stdin, answer+"\n"); err != nil {
				logger.WithError(err).Warn("write prompt answer")
			}
			continue
		}
		req.Emit(domain.ClassifyLine(req.Tool, line, &counts), line)
	}
	if err := scanner.Err(); err != nil && askErr == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			req.Emit(domain.LevelWarning, fmt.Sprintf("output line longer than %d bytes, remaining output discarded", maxLineBytes))
		} else {
			req.Emit(domain.LevelWarning, fmt.Sprintf("reading output: %v", err))
		}
		logger.WithError(err).Warn("output scan stopped")
	}
	if askErr != nil {
		kill()
	}
	// unblock Wait when we stopped reading early
	go io.Copy(io.Discard, pr)
	stdin.Close()
	err = <-waitErr

	result := domain.StepResult{
		Findings:   counts,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if askErr != nil {
		return result, askErr
	}
	if ctx.Err() != nil {
		return result, errors.Wrapf(ctx.Err(), "%s interrupted", req.Tool)
	}
	if err != nil {
		// ambil exit code
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return result, errors.Wrapf(err, "run %s", req.Tool)
		}
		result.ExitStatus = ee.ExitCode()
	}
	result.FindingsSummary = counts.Summary()
	logger.WithFields(logrus.Fields{
		"exit_status": result.ExitStatus,
		"duration_ms": result.DurationMS,
		"findings":    counts.Total,
	}).Info("step finished")
	return result, nil
}
