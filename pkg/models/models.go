// Package models holds the messages exchanged with the provisioner service.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/andrej220/devterm/pkg/provision"
)

// ProvisionRequest asks the service to provision the host behind ProfileID.
// ResumeFrom wins over Resume; with neither set the run starts at the first step.
type ProvisionRequest struct {
	RequestUID uuid.UUID        `json:"requestUid"`
	ProfileID  string           `json:"profileId" validate:"required"`
	Inputs     provision.Inputs `json:"inputs"`
	ResumeFrom *int             `json:"resumeFrom,omitempty" validate:"omitempty,min=0,max=6"`
	Resume     bool             `json:"resume,omitempty"`
}

var validate = validator.New()

// Validate checks the envelope and the provisioning inputs.
func (r ProvisionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid provision request: %w", err)
	}
	return nil
}

// TransferRequest uploads LocalPath on the service host to RemotePath on the
// profile's host. Selection limits a directory upload to the listed relative paths.
type TransferRequest struct {
	ProfileID  string   `json:"profileId" validate:"required"`
	LocalPath  string   `json:"localPath" validate:"required"`
	RemotePath string   `json:"remotePath" validate:"required"`
	Selection  []string `json:"selection,omitempty"`
}

func (r TransferRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid transfer request: %w", err)
	}
	return nil
}

type ConnectionTestRequest struct {
	ProfileID string `json:"profileId" validate:"required"`
}

func (r ConnectionTestRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid connection test request: %w", err)
	}
	return nil
}

// ProgressEvent is published for every provisioning progress update and once
// more with the final Run.
type ProgressEvent struct {
	RequestUID uuid.UUID           `json:"requestUid"`
	ProfileID  string              `json:"profileId"`
	Time       time.Time           `json:"time"`
	Progress   *provision.Progress `json:"progress,omitempty"`
	Run        *provision.Run      `json:"run,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Final reports whether the event closes the request.
func (e ProgressEvent) Final() bool {
	return e.Run != nil || e.Error != ""
}
