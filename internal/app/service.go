package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/andrej220/devterm/pkg/consumer"
	"github.com/andrej220/devterm/pkg/events"
	"github.com/andrej220/devterm/pkg/ghapi"
	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/models"
	"github.com/andrej220/devterm/pkg/provision"
	"github.com/andrej220/devterm/pkg/runstore"
	"github.com/andrej220/devterm/pkg/workerpool"
)

type TokenChecker interface {
	CheckIdentity(ctx context.Context, token string) (ghapi.Identity, error)
}

type RequestReader interface {
	Read(ctx context.Context) (models.ProvisionRequest, error)
}

// Service runs provisioning requests on a worker pool, records each run and
// publishes its progress.
type Service struct {
	Provisioner *provision.Engine
	// Tokens, when set, checks the token before a run that needs it.
	Tokens TokenChecker
	Runs   runstore.Store
	Events events.Publisher
	Pool   *workerpool.Pool[models.ProvisionRequest]
	Logger lg.Logger

	// ctx is the lifetime of every run started through Submit.
	ctx context.Context
}

func NewService(ctx context.Context, s Service) *Service {
	s.ctx = ctx
	s.Logger = lg.OrDiscard(s.Logger)
	if s.Events == nil {
		s.Events = events.Nop{}
	}
	return &s
}

// Provision runs req to completion. Step failures are part of the returned
// record; the error is for requests that could not run at all.
func (s *Service) Provision(ctx context.Context, req models.ProvisionRequest) (runstore.Record, error) {
	logger := s.Logger.With(lg.String("request", req.RequestUID.String()), lg.String("profile", req.ProfileID))

	resume, err := s.resumeFrom(ctx, req)
	if err != nil {
		return runstore.Record{}, s.fail(ctx, req, fmt.Errorf("resume point: %w", err))
	}

	if s.Tokens != nil && resume <= provision.StepRegisterKey {
		id, err := s.Tokens.CheckIdentity(ctx, req.Inputs.Token)
		if err != nil {
			return runstore.Record{}, s.fail(ctx, req, err)
		}
		logger.Info("token accepted", lg.String("login", id.Login))
	}

	rec := runstore.Record{
		ID:         uuid.NewString(),
		ProfileID:  req.ProfileID,
		RequestUID: req.RequestUID,
		ResumedAt:  resume,
		StartedAt:  time.Now(),
	}
	onProgress := func(p provision.Progress) {
		s.publish(ctx, models.ProgressEvent{RequestUID: req.RequestUID, ProfileID: req.ProfileID, Progress: &p})
	}
	run, err := s.Provisioner.Run(ctx, req.ProfileID, req.Inputs, onProgress, resume)
	if err != nil {
		return runstore.Record{}, s.fail(ctx, req, err)
	}
	rec.FinishedAt = time.Now()
	rec.Run = run

	// saved even when shutdown canceled ctx
	if err := s.Runs.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("run not recorded", lg.Err(err))
	}
	s.publish(ctx, models.ProgressEvent{RequestUID: req.RequestUID, ProfileID: req.ProfileID, Run: &run})
	logger.Info("provisioning run recorded", lg.Bool("success", run.Success), lg.Duration("elapsed", rec.FinishedAt.Sub(rec.StartedAt)))
	return rec, nil
}

func (s *Service) resumeFrom(ctx context.Context, req models.ProvisionRequest) (int, error) {
	if req.ResumeFrom != nil {
		return *req.ResumeFrom, nil
	}
	if !req.Resume {
		return 0, nil
	}
	return runstore.NextResume(s.Runs.Latest(ctx, req.ProfileID))
}

func (s *Service) fail(ctx context.Context, req models.ProvisionRequest, err error) error {
	s.Logger.Warn("provisioning request failed", lg.String("request", req.RequestUID.String()), lg.Err(err))
	s.publish(ctx, models.ProgressEvent{RequestUID: req.RequestUID, ProfileID: req.ProfileID, Error: err.Error()})
	return err
}

func (s *Service) publish(ctx context.Context, ev models.ProgressEvent) {
	ev.Time = time.Now()
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Logger.Debug("progress event not published", lg.Err(err))
	}
}

// Submit validates req, gives it a request id when it has none, and queues it.
// ctx bounds only the wait for a free worker.
func (s *Service) Submit(ctx context.Context, req models.ProvisionRequest) (uuid.UUID, error) {
	if req.RequestUID == uuid.Nil {
		req.RequestUID = uuid.New()
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	logger := s.Logger.With(lg.String("request", req.RequestUID.String()))
	err := s.Pool.Submit(ctx, workerpool.Job[models.ProvisionRequest]{
		Payload: req,
		Ctx:     lg.Attach(s.ctx, logger),
		Fn: func(ctx context.Context, r models.ProvisionRequest) error {
			_, err := s.Provision(ctx, r)
			return err
		},
	})
	if err != nil {
		return uuid.Nil, err
	}
	logger.Debug("provisioning request queued", lg.String("profile", req.ProfileID))
	return req.RequestUID, nil
}

// Consume submits every request read from r until ctx ends or the pool stops.
// Undecodable and invalid requests are skipped; read errors are retried with
// backoff.
func (s *Service) Consume(ctx context.Context, r RequestReader) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		req, err := r.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var decodeErr *consumer.DecodeError
			if errors.As(err, &decodeErr) {
				s.Logger.Warn("skipping undecodable request", lg.Err(err))
				continue
			}
			wait := retry.NextBackOff()
			s.Logger.Warn("request read failed", lg.Err(err), lg.Duration("retryIn", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		if _, err := s.Submit(ctx, req); err != nil {
			if errors.Is(err, workerpool.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			s.fail(ctx, req, err)
		}
	}
}
