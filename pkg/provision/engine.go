package provision

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/andrej220/devterm/pkg/lg"
)

const (
	DefaultKeyName        = "github_devterm"
	DefaultKeyTitle       = "DevTerm"
	DefaultCommandTimeout = 15 * time.Second
	DefaultCloneTimeout   = 30 * time.Second
)

type Options struct {
	// KeyName is the file name of the key pair under ~/.ssh on the remote host.
	KeyName        string
	KeyTitle       string
	CommandTimeout time.Duration
	CloneTimeout   time.Duration
	Logger         lg.Logger
}

var keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type Engine struct {
	connector Connector
	keys      KeyRegistrar
	opts      Options
	logger    lg.Logger
}

func NewEngine(connector Connector, keys KeyRegistrar, opts Options) (*Engine, error) {
	if opts.KeyName == "" {
		opts.KeyName = DefaultKeyName
	}
	if !keyNamePattern.MatchString(opts.KeyName) {
		return nil, fmt.Errorf("invalid key name %q", opts.KeyName)
	}
	if opts.KeyTitle == "" {
		opts.KeyTitle = DefaultKeyTitle
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = DefaultCloneTimeout
	}
	return &Engine{connector: connector, keys: keys, opts: opts, logger: lg.OrDiscard(opts.Logger)}, nil
}

// Run executes the steps from resumeFrom onwards on a connection to target.
// Earlier steps are recorded as skipped without running or emitting progress.
// The first failing step is recorded as error and every later step as skipped.
// Step failures are reported in the returned Run; the error return is for
// invalid arguments and connection failures. The connection is closed before
// Run returns.
func (e *Engine) Run(ctx context.Context, target string, in Inputs, onProgress ProgressFunc, resumeFrom int) (Run, error) {
	if resumeFrom < 0 || resumeFrom > StepCount {
		return Run{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidResume, resumeFrom, StepCount)
	}
	if in.KeyTitle == "" {
		in.KeyTitle = e.opts.KeyTitle
	}
	if err := in.Validate(); err != nil {
		return Run{}, err
	}
	repo, err := ParseRepoURL(in.RepoURL)
	if err != nil {
		return Run{}, err
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	logger := e.logger.With(lg.String("target", target), lg.String("repo", repo.SSH()))
	cmd, err := e.connector.Connect(ctx, target)
	if err != nil {
		return Run{}, err
	}
	defer func() {
		if err := cmd.Close(); err != nil {
			logger.Debug("close connection", lg.Err(err))
		}
	}()

	run := Run{Steps: make([]StepResult, 0, StepCount)}
	outputs := make(map[int]string, StepCount)
	sr := &stepRun{ctx: ctx, engine: e, cmd: cmd, in: in, repo: repo, logger: logger}

	for i, st := range steps {
		if i < resumeFrom {
			run.Steps = append(run.Steps, StepResult{Index: i, Name: st.name, Status: StatusSkipped})
			continue
		}

		onProgress(Progress{Step: i, Total: StepCount, Status: StatusRunning, Message: st.name})
		start := time.Now()
		out, err := runStep(sr, st, outputs)
		if err != nil {
			msg := err.Error()
			run.Steps = append(run.Steps, StepResult{Index: i, Name: st.name, Status: StatusError, Output: msg})
			onProgress(Progress{Step: i, Total: StepCount, Status: StatusError, Message: st.name, Output: msg})
			for j := i + 1; j < StepCount; j++ {
				run.Steps = append(run.Steps, StepResult{Index: j, Name: steps[j].name, Status: StatusSkipped})
				onProgress(Progress{Step: j, Total: StepCount, Status: StatusSkipped, Message: steps[j].name})
			}
			failed := i
			run.FailedStep = &failed
			logger.Warn("provisioning step failed", lg.Int("step", i), lg.String("name", st.name), lg.Err(err))
			return run, nil
		}

		outputs[i] = out
		run.Steps = append(run.Steps, StepResult{Index: i, Name: st.name, Status: StatusSuccess, Output: out})
		onProgress(Progress{Step: i, Total: StepCount, Status: StatusSuccess, Message: st.name, Output: out})
		logger.Debug("provisioning step done", lg.Int("step", i), lg.Duration("elapsed", time.Since(start)))
	}

	run.Success = true
	logger.Info("provisioning finished", lg.Int("resumedFrom", resumeFrom))
	return run, nil
}

// runStep hands the step the outputs it declared, failing when one of them was
// not produced in this run.
func runStep(sr *stepRun, st step, outputs map[int]string) (string, error) {
	prior := make(map[int]string, len(st.needs))
	for _, need := range st.needs {
		out, ok := outputs[need]
		if !ok {
			return "", fmt.Errorf("%w: %q did not run, cannot skip it", ErrMissingPriorOutput, steps[need].name)
		}
		prior[need] = out
	}
	sr.prior = prior
	return st.run(sr)
}
