// Package runstore keeps the history of provisioning runs per profile, so a
// failed run can be resumed later.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/devterm/pkg/provision"
)

var ErrNotFound = errors.New("no run recorded")

type Record struct {
	ID         string        `json:"id" bson:"_id"`
	ProfileID  string        `json:"profileId" bson:"profileId"`
	RequestUID uuid.UUID     `json:"requestUid" bson:"requestUid"`
	ResumedAt  int           `json:"resumedAt" bson:"resumedAt"`
	StartedAt  time.Time     `json:"startedAt" bson:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt" bson:"finishedAt"`
	Run        provision.Run `json:"run" bson:"run"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	// Latest returns the most recently started run of the profile, or ErrNotFound.
	Latest(ctx context.Context, profileID string) (Record, error)
}

// NextResume returns the step a resumed run should start from given the last
// recorded run. A successful or missing run starts over.
func NextResume(rec Record, err error) (int, error) {
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.Run.Success || rec.Run.FailedStep == nil {
		return 0, nil
	}
	return provision.ResumePoint(*rec.Run.FailedStep), nil
}

func ensureID(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
}
