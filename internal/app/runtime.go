// Package app assembles the provisioner service from its settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/andrej220/devterm/pkg/config"
	"github.com/andrej220/devterm/pkg/config/configstore"
	"github.com/andrej220/devterm/pkg/config/filestore"
	"github.com/andrej220/devterm/pkg/config/mongostore"
	"github.com/andrej220/devterm/pkg/consumer"
	"github.com/andrej220/devterm/pkg/events"
	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/ghapi"
	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/models"
	"github.com/andrej220/devterm/pkg/profile"
	"github.com/andrej220/devterm/pkg/provision"
	"github.com/andrej220/devterm/pkg/runstore"
	"github.com/andrej220/devterm/pkg/session"
	"github.com/andrej220/devterm/pkg/transfer"
	"github.com/andrej220/devterm/pkg/workerpool"
)

const profilesDocumentID = "profiles"

// Runtime owns every long lived component of the service.
type Runtime struct {
	Settings  config.Settings
	Logger    lg.Logger
	Profiles  profile.Resolver
	Connector *executor.Connector
	Sessions  *session.Router
	Transfers *transfer.Engine
	GitHub    *ghapi.Client
	Service   *Service
	Requests  *consumer.Consumer[models.ProvisionRequest]

	mongo    *mongo.Client
	watchers []*filestore.FileStore
}

// New builds the runtime. ctx is the lifetime of provisioning runs.
func New(ctx context.Context, s config.Settings, logger lg.Logger) (_ *Runtime, err error) {
	logger = lg.OrDiscard(logger)
	rt := &Runtime{Settings: s, Logger: logger}
	defer func() {
		if err != nil {
			rt.closeStores()
		}
	}()

	if s.Profiles.Store == config.MongoStore || s.Runs.Store == config.MongoStore {
		if rt.mongo, err = mongostore.Connect(ctx, s.Mongo.URI); err != nil {
			return nil, err
		}
	}

	var store configstore.ConfigStore
	if s.Profiles.Store == config.MongoStore {
		store = mongostore.New(rt.mongo, s.Mongo.DBName, s.Mongo.ProfilesCollection, profilesDocumentID)
	} else {
		fs := filestore.New(s.Profiles.Path)
		fs.Logger = logger
		rt.watchers = append(rt.watchers, fs)
		store = fs
	}
	profiles, err := profile.NewStoreResolver(store, logger)
	if err != nil {
		return nil, err
	}
	rt.Profiles = profiles

	resilience := executor.DefaultResilienceConfig()
	resilience.MaxAttempts = uint64(s.SSH.DialAttempts)
	dialer, err := executor.NewDialer(executor.DialerOptions{
		ConnectTimeout: s.SSH.ConnectTimeout,
		KnownHostsPath: s.SSH.KnownHostsPath,
		Resilience:     resilience,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	rt.Connector = &executor.Connector{Resolver: profiles, Dialer: dialer, Logger: logger}

	rt.Sessions = session.NewRouter(
		session.NewRegistry(session.KindLocal,
			&session.LocalBackend{Shell: s.Shell.Path, Dir: s.Shell.HomeDir},
			session.Options{MaxSessions: s.Shell.MaxSessions, CloseTimeout: s.SSH.CloseTimeout, Logger: logger}),
		session.NewRegistry(session.KindRemote,
			&session.RemoteBackend{Connector: rt.Connector},
			session.Options{CloseTimeout: s.SSH.CloseTimeout, Logger: logger}),
	)
	rt.Transfers = &transfer.Engine{Connector: rt.Connector, Logger: logger}

	rt.GitHub, err = ghapi.New(ghapi.Options{
		BaseURL:          s.GitHub.BaseURL,
		Timeout:          s.GitHub.Timeout,
		MaxResponseBytes: s.GitHub.MaxResponseBytes,
		UserAgent:        s.GitHub.UserAgent,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := provision.NewEngine(provision.SSHConnector{Connector: rt.Connector}, rt.GitHub, provision.Options{
		KeyName:        s.Provision.KeyName,
		KeyTitle:       s.Provision.KeyTitle,
		CommandTimeout: s.Exec.DefaultTimeout,
		CloneTimeout:   s.Exec.CloneTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	var runs runstore.Store = runstore.NewFileStore(s.Runs.Dir)
	if s.Runs.Store == config.MongoStore {
		runs = runstore.NewMongoStore(rt.mongo.Database(s.Mongo.DBName).Collection(s.Mongo.RunsCollection))
	}

	var publisher events.Publisher = events.Nop{}
	if len(s.Kafka.Brokers) > 0 && s.Kafka.EventTopic != "" {
		kp, err := events.NewKafkaPublisher(s.Kafka.Brokers, s.Kafka.EventTopic, logger)
		if err != nil {
			return nil, err
		}
		publisher = events.NewAsync(kp, 0, 0, logger)
	}

	if len(s.Kafka.Brokers) > 0 && s.Kafka.RequestTopic != "" {
		rt.Requests, err = consumer.NewConsumer[models.ProvisionRequest](consumer.Config{
			Brokers: s.Kafka.Brokers,
			GroupID: s.Kafka.GroupID,
			Topic:   s.Kafka.RequestTopic,
		})
		if err != nil {
			return nil, err
		}
	}

	rt.Service = NewService(ctx, Service{
		Provisioner: engine,
		Tokens:      rt.GitHub,
		Runs:        runs,
		Events:      publisher,
		Pool:        workerpool.NewPool[models.ProvisionRequest](workerpool.Options{MaxWorkers: s.Provision.Workers}),
		Logger:      logger,
	})
	return rt, nil
}

// Handler returns the HTTP surface wired to this runtime.
func (rt *Runtime) Handler() *Handler {
	return &Handler{
		Service:     rt.Service,
		Transfers:   rt.Transfers,
		Profiles:    rt.Profiles,
		Connections: rt.Connector,
		Sessions:    rt.Sessions,
		Logger:      rt.Logger,
	}
}

// Shutdown waits for running provisioning jobs, closes every session and
// releases the stores. Cancel the ctx given to New first so that runs stop.
// It keeps going past failures and reports all of them.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if rt.Requests != nil {
		errs = append(errs, rt.Requests.Close())
	}

	stopped := make(chan struct{})
	go func() {
		rt.Service.Pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("provisioning jobs still running: %w", ctx.Err()))
	}

	if err := rt.Sessions.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	errs = append(errs, rt.Service.Events.Close())
	errs = append(errs, rt.closeStores())
	return errors.Join(errs...)
}

func (rt *Runtime) closeStores() error {
	var errs []error
	for _, w := range rt.watchers {
		errs = append(errs, w.Close())
	}
	if rt.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, rt.mongo.Disconnect(ctx))
	}
	return errors.Join(errs...)
}
