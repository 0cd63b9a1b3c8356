// Package provision runs the six step bootstrap that gives a remote host an SSH
// identity on a git host and clones a repository with it.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/ghapi"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

const (
	StepGenerateKey = iota
	StepReadKey
	StepRegisterKey
	StepConfigureGit
	StepVerify
	StepClone

	StepCount
)

var StepNames = [StepCount]string{
	"Generating SSH key pair",
	"Reading public key",
	"Adding key to GitHub",
	"Configuring git identity",
	"Verifying GitHub connection",
	"Cloning repository",
}

var (
	ErrInvalidResume      = errors.New("resume index out of range")
	ErrMissingPriorOutput = errors.New("prior step output not available")
)

type StepResult struct {
	Index  int    `json:"step" bson:"step"`
	Name   string `json:"name" bson:"name"`
	Status Status `json:"status" bson:"status"`
	Output string `json:"output,omitempty" bson:"output,omitempty"`
}

// Run is the outcome of one provisioning run. FailedStep is nil unless a step
// failed.
type Run struct {
	Steps      []StepResult `json:"steps" bson:"steps"`
	Success    bool         `json:"success" bson:"success"`
	FailedStep *int         `json:"failedStep,omitempty" bson:"failedStep,omitempty"`
}

// Progress is emitted before and after each executed step, and for each step
// skipped after a failure.
type Progress struct {
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

type ProgressFunc func(Progress)

type Inputs struct {
	RepoURL      string `json:"repoUrl" validate:"required"`
	Token        string `json:"token" validate:"required"`
	GitUserName  string `json:"gitUserName" validate:"required"`
	GitUserEmail string `json:"gitUserEmail" validate:"required,email"`
	KeyTitle     string `json:"keyTitle,omitempty"`
}

var validate = validator.New()

func (in Inputs) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid provisioning inputs: %w", err)
	}
	return nil
}

// Commander runs commands on one connection and owns it.
type Commander interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (executor.Result, error)
	Close() error
}

// Connector opens a Commander for a connection target.
type Connector interface {
	Connect(ctx context.Context, target string) (Commander, error)
}

type KeyRegistrar interface {
	RegisterKey(ctx context.Context, token, key, title string) (ghapi.Registration, error)
}

// SSHConnector opens command executors through an executor.Connector.
type SSHConnector struct {
	Connector *executor.Connector
}

func (c SSHConnector) Connect(ctx context.Context, profileID string) (Commander, error) {
	ex, err := c.Connector.Executor(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// ResumePoint returns the step a retry should start from after failedStep
// failed: the earliest step whose prior outputs a fresh run can produce.
func ResumePoint(failedStep int) int {
	if failedStep < 0 || failedStep >= StepCount {
		return 0
	}
	point := failedStep
	for _, need := range steps[failedStep].needs {
		if p := ResumePoint(need); p < point {
			point = p
		}
	}
	return point
}
