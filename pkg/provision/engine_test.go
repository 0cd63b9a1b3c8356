package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/ghapi"
)

const testPubKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITest dev@example.com"

type call struct {
	command string
	timeout time.Duration
}

type answer struct {
	substr string
	fn     func() (executor.Result, error)
}

// fakeCommander answers commands from a script keyed by command substring; the
// most recently added matching entry wins. Unmatched commands succeed with no
// output.
type fakeCommander struct {
	mu     sync.Mutex
	script []answer
	calls  []call
	closed bool
}

func newFakeCommander() *fakeCommander {
	f := &fakeCommander{}
	f.on("test -f", executor.Result{Stdout: "NOT_FOUND\n"}, nil)
	f.on("cat ~/.ssh/github_devterm.pub", executor.Result{Stdout: testPubKey + "\n"}, nil)
	f.on("ssh -T", executor.Result{
		ExitCode: 1,
		Stdout:   "Hi dev! You've successfully authenticated, but GitHub does not provide shell access.\n",
	}, nil)
	return f
}

func (f *fakeCommander) on(substr string, res executor.Result, err error) {
	f.script = append([]answer{{substr: substr, fn: func() (executor.Result, error) { return res, err }}}, f.script...)
}

func (f *fakeCommander) Execute(_ context.Context, command string, timeout time.Duration) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{command: command, timeout: timeout})
	for _, a := range f.script {
		if strings.Contains(command, a.substr) {
			return a.fn()
		}
	}
	return executor.Result{}, nil
}

func (f *fakeCommander) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCommander) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c.command, substr) {
			return true
		}
	}
	return false
}

type fakeConnector struct {
	cmd      *fakeCommander
	err      error
	targets  []string
	attempts int
}

func (c *fakeConnector) Connect(_ context.Context, target string) (Commander, error) {
	c.attempts++
	c.targets = append(c.targets, target)
	if c.err != nil {
		return nil, c.err
	}
	return c.cmd, nil
}

type fakeRegistrar struct {
	reg   ghapi.Registration
	err   error
	keys  []string
	title string
}

func (r *fakeRegistrar) RegisterKey(_ context.Context, token, key, title string) (ghapi.Registration, error) {
	r.keys = append(r.keys, key)
	r.title = title
	return r.reg, r.err
}

func testInputs() Inputs {
	return Inputs{
		RepoURL:      "https://github.com/dev/project",
		Token:        "ghp_test",
		GitUserName:  "Dev O'Neil",
		GitUserEmail: "dev@example.com",
	}
}

type harness struct {
	engine    *Engine
	cmd       *fakeCommander
	connector *fakeConnector
	keys      *fakeRegistrar
	events    []Progress
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{cmd: newFakeCommander(), keys: &fakeRegistrar{}}
	h.connector = &fakeConnector{cmd: h.cmd}
	engine, err := NewEngine(h.connector, h.keys, Options{})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) run(t *testing.T, in Inputs, resumeFrom int) (Run, error) {
	t.Helper()
	return h.engine.Run(context.Background(), "box", in, func(p Progress) { h.events = append(h.events, p) }, resumeFrom)
}

func statuses(run Run) []Status {
	out := make([]Status, len(run.Steps))
	for i, s := range run.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRunAllStepsSucceed(t *testing.T) {
	h := newHarness(t)

	run, err := h.run(t, testInputs(), 0)
	require.NoError(t, err)

	assert.True(t, run.Success)
	assert.Nil(t, run.FailedStep)
	assert.Equal(t, []Status{StatusSuccess, StatusSuccess, StatusSuccess, StatusSuccess, StatusSuccess, StatusSuccess}, statuses(run))
	for i, s := range run.Steps {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, StepNames[i], s.Name)
	}
	assert.Equal(t, testPubKey, run.Steps[StepReadKey].Output)
	assert.Equal(t, "Configured as Dev O'Neil <dev@example.com>", run.Steps[StepConfigureGit].Output)
	assert.Equal(t, "GitHub SSH connection verified", run.Steps[StepVerify].Output)

	assert.Equal(t, []string{testPubKey}, h.keys.keys)
	assert.Equal(t, DefaultKeyTitle, h.keys.title)
	assert.True(t, h.cmd.ran(`ssh-keygen -t ed25519 -C 'dev@example.com' -f ~/.ssh/github_devterm -N ""`))
	assert.True(t, h.cmd.ran(`git config --global user.name 'Dev O'\''Neil' && git config --global user.email 'dev@example.com'`))
	assert.True(t, h.cmd.ran(`git clone 'git@github.com:dev/project.git'`))
	assert.True(t, h.cmd.closed)
	assert.Equal(t, []string{"box"}, h.connector.targets)

	require.Len(t, h.events, 2*StepCount)
	for i := 0; i < StepCount; i++ {
		assert.Equal(t, Progress{Step: i, Total: StepCount, Status: StatusRunning, Message: StepNames[i]}, h.events[2*i])
		assert.Equal(t, StatusSuccess, h.events[2*i+1].Status)
		assert.Equal(t, run.Steps[i].Output, h.events[2*i+1].Output)
	}
}

func TestRunStepFailureSkipsRemainder(t *testing.T) {
	h := newHarness(t)
	h.keys.err = &ghapi.APIError{StatusCode: 401, Kind: ghapi.KindUnauthorized}

	run, err := h.run(t, testInputs(), 0)
	require.NoError(t, err)

	assert.False(t, run.Success)
	require.NotNil(t, run.FailedStep)
	assert.Equal(t, StepRegisterKey, *run.FailedStep)
	assert.Equal(t, []Status{StatusSuccess, StatusSuccess, StatusError, StatusSkipped, StatusSkipped, StatusSkipped}, statuses(run))
	assert.Equal(t, "invalid or expired personal access token", run.Steps[StepRegisterKey].Output)
	assert.False(t, h.cmd.ran("git config"))
	assert.True(t, h.cmd.closed)

	var got []Status
	for _, ev := range h.events {
		got = append(got, ev.Status)
	}
	assert.Equal(t, []Status{
		StatusRunning, StatusSuccess,
		StatusRunning, StatusSuccess,
		StatusRunning, StatusError,
		StatusSkipped, StatusSkipped, StatusSkipped,
	}, got)
}

func TestRunResumeFromRegisterNeedsPublicKey(t *testing.T) {
	h := newHarness(t)

	run, err := h.run(t, testInputs(), StepRegisterKey)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusSkipped, StatusSkipped, StatusError, StatusSkipped, StatusSkipped, StatusSkipped}, statuses(run))
	require.NotNil(t, run.FailedStep)
	assert.Equal(t, StepRegisterKey, *run.FailedStep)
	assert.Contains(t, run.Steps[StepRegisterKey].Output, ErrMissingPriorOutput.Error())
	assert.Empty(t, h.keys.keys)
	assert.False(t, h.cmd.ran("test -f"))
	assert.False(t, h.cmd.ran("cat "))
	assert.True(t, h.cmd.closed)

	require.NotEmpty(t, h.events)
	assert.Equal(t, Progress{Step: StepRegisterKey, Total: StepCount, Status: StatusRunning, Message: StepNames[StepRegisterKey]}, h.events[0])
}

func TestRunResumeSkipsEarlierSteps(t *testing.T) {
	h := newHarness(t)

	run, err := h.run(t, testInputs(), StepConfigureGit)
	require.NoError(t, err)

	assert.True(t, run.Success)
	assert.Equal(t, []Status{StatusSkipped, StatusSkipped, StatusSkipped, StatusSuccess, StatusSuccess, StatusSuccess}, statuses(run))
	assert.False(t, h.cmd.ran("ssh-keygen"))
	assert.Empty(t, h.keys.keys)
	assert.Len(t, h.events, 6)
}

func TestRunResumeEdges(t *testing.T) {
	h := newHarness(t)
	run, err := h.run(t, testInputs(), StepCount)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Len(t, run.Steps, StepCount)
	assert.Empty(t, h.events)

	for _, from := range []int{-1, StepCount + 1} {
		h := newHarness(t)
		_, err := h.run(t, testInputs(), from)
		assert.ErrorIs(t, err, ErrInvalidResume)
		assert.Zero(t, h.connector.attempts)
	}
}

func TestRunRejectsBadInputs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Inputs)
		is     error
	}{
		{name: "missing token", mutate: func(in *Inputs) { in.Token = "" }},
		{name: "bad email", mutate: func(in *Inputs) { in.GitUserEmail = "not-an-email" }},
		{name: "unsupported url", mutate: func(in *Inputs) { in.RepoURL = "ftp://example.com/x" }, is: ErrUnsupportedRepoURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := testInputs()
			tt.mutate(&in)
			_, err := h.run(t, in, 0)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Zero(t, h.connector.attempts)
		})
	}
}

func TestRunConnectionError(t *testing.T) {
	h := newHarness(t)
	connErr := &executor.ConnectionError{Addr: "box:22", Err: errors.New("refused")}
	h.connector.err = connErr

	_, err := h.run(t, testInputs(), 0)
	assert.ErrorIs(t, err, connErr)
	assert.Empty(t, h.events)
}

func TestGenerateKeySkipsExistingKey(t *testing.T) {
	h := newHarness(t)
	h.cmd.on("test -f", executor.Result{Stdout: "EXISTS\n"}, nil)

	run, err := h.run(t, testInputs(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Key already exists, skipping generation", run.Steps[StepGenerateKey].Output)
	assert.False(t, h.cmd.ran("ssh-keygen"))
}

func TestStepFailureTexts(t *testing.T) {
	long := strings.Repeat("x", 300)
	tests := []struct {
		name       string
		substr     string
		res        executor.Result
		err        error
		step       int
		wantStatus Status
		wantOutput string
	}{
		{
			name:   "keygen fails",
			substr: "ssh-keygen", res: executor.Result{ExitCode: 1, Stderr: "Saving key failed\n"},
			step: StepGenerateKey, wantStatus: StatusError, wantOutput: "Saving key failed",
		},
		{
			name:   "missing public key",
			substr: "cat ~/.ssh", res: executor.Result{ExitCode: 1},
			step: StepReadKey, wantStatus: StatusError, wantOutput: "Could not read public key",
		},
		{
			name:   "empty public key",
			substr: "cat ~/.ssh", res: executor.Result{Stdout: "\n"},
			step: StepReadKey, wantStatus: StatusError, wantOutput: "Public key file is empty",
		},
		{
			name:   "git missing",
			substr: "git config", res: executor.Result{ExitCode: 127, Stderr: "bash: git: command not found\n"},
			step: StepConfigureGit, wantStatus: StatusError, wantOutput: "git is not installed on this server",
		},
		{
			name:   "verify denied",
			substr: "ssh -T", res: executor.Result{Stdout: "git@github.com: Permission denied (publickey).\n"},
			step: StepVerify, wantStatus: StatusError,
			wantOutput: "GitHub SSH verification failed: Permission denied. The key may not be properly added.",
		},
		{
			name:   "verify inconclusive",
			substr: "ssh -T", res: executor.Result{ExitCode: 255, Stdout: "  Connection closed by remote host\n"},
			step: StepVerify, wantStatus: StatusSuccess, wantOutput: "Connection attempted - Connection closed by remote host",
		},
		{
			name:   "verify inconclusive is truncated",
			substr: "ssh -T", res: executor.Result{Stdout: long},
			step: StepVerify, wantStatus: StatusSuccess, wantOutput: "Connection attempted - " + long[:200],
		},
		{
			name:   "clone target exists",
			substr: "git clone", res: executor.Result{ExitCode: 128, Stderr: "fatal: destination path 'project' already exists and is not an empty directory.\n"},
			step: StepClone, wantStatus: StatusSuccess, wantOutput: "Repository directory already exists",
		},
		{
			name:   "clone fails",
			substr: "git clone", res: executor.Result{ExitCode: 128, Stderr: "fatal: Could not read from remote repository.\n"},
			step: StepClone, wantStatus: StatusError, wantOutput: "fatal: Could not read from remote repository.",
		},
		{
			name:   "clone times out",
			substr: "git clone", err: &executor.CommandError{Command: "git clone", Err: executor.ErrTimeout},
			step: StepClone, wantStatus: StatusError, wantOutput: "command timed out: git clone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cmd.on(tt.substr, tt.res, tt.err)

			run, err := h.run(t, testInputs(), 0)
			require.NoError(t, err)

			got := run.Steps[tt.step]
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantOutput, got.Output)
			assert.Equal(t, tt.wantStatus == StatusSuccess, run.Success)
			assert.True(t, h.cmd.closed)
		})
	}
}

func TestCommandTimeouts(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, testInputs(), 0)
	require.NoError(t, err)

	for _, c := range h.cmd.calls {
		want := DefaultCommandTimeout
		if strings.Contains(c.command, "git clone") {
			want = DefaultCloneTimeout
		}
		assert.Equal(t, want, c.timeout, c.command)
	}
}

func TestVerifyUsesRepositoryHost(t *testing.T) {
	h := newHarness(t)
	in := testInputs()
	in.RepoURL = "git@git.example.org:team/app"

	_, err := h.run(t, in, 0)
	require.NoError(t, err)
	assert.True(t, h.cmd.ran("ssh-keyscan -t ed25519,rsa 'git.example.org'"))
	assert.True(t, h.cmd.ran("-o StrictHostKeyChecking=no 'git@git.example.org'"))
	assert.True(t, h.cmd.ran("git clone 'git@git.example.org:team/app.git'"))
}

func TestNewEngineRejectsKeyName(t *testing.T) {
	_, err := NewEngine(&fakeConnector{}, &fakeRegistrar{}, Options{KeyName: "../id; rm"})
	assert.Error(t, err)
}

func TestResumePoint(t *testing.T) {
	assert.Equal(t, 0, ResumePoint(StepGenerateKey))
	assert.Equal(t, StepReadKey, ResumePoint(StepReadKey))
	assert.Equal(t, StepReadKey, ResumePoint(StepRegisterKey))
	assert.Equal(t, StepClone, ResumePoint(StepClone))
	assert.Equal(t, 0, ResumePoint(-1))
}
