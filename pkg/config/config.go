// Package config loads the service settings: built-in defaults, overlaid by an
// optional YAML file, overlaid by DEVTERM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/andrej220/devterm/pkg/config/configstore"
	"github.com/andrej220/devterm/pkg/config/filestore"
	"github.com/andrej220/devterm/pkg/config/mongostore"
)

const EnvPrefix = "DEVTERM"

type StoreType string

const (
	FileStore  StoreType = "file"
	MongoStore StoreType = "mongo"
)

var ErrInvalidStoreType = errors.New("invalid store type")

type ShellConfig struct {
	Path        string `yaml:"path"`
	HomeDir     string `yaml:"homeDir" split_words:"true"`
	MaxSessions int    `yaml:"maxSessions" split_words:"true" validate:"min=1"`
}

type SSHConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout" split_words:"true" validate:"gt=0"`
	KnownHostsPath string        `yaml:"knownHostsPath" split_words:"true"`
	DialAttempts   int           `yaml:"dialAttempts" split_words:"true" validate:"min=1"`
	CloseTimeout   time.Duration `yaml:"closeTimeout" split_words:"true" validate:"gt=0"`
}

type ExecConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout" split_words:"true" validate:"gt=0"`
	CloneTimeout   time.Duration `yaml:"cloneTimeout" split_words:"true" validate:"gt=0"`
}

type GitHubConfig struct {
	BaseURL          string        `yaml:"baseURL" split_words:"true" validate:"required,url"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxResponseBytes int64         `yaml:"maxResponseBytes" split_words:"true" validate:"gt=0"`
	UserAgent        string        `yaml:"userAgent" split_words:"true"`
}

type ProvisionConfig struct {
	KeyName  string `yaml:"keyName" split_words:"true" validate:"required"`
	KeyTitle string `yaml:"keyTitle" split_words:"true"`
	Workers  int    `yaml:"workers" validate:"min=1"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	RequestTopic string   `yaml:"requestTopic" split_words:"true"`
	EventTopic   string   `yaml:"eventTopic" split_words:"true"`
	GroupID      string   `yaml:"groupID" split_words:"true"`
}

type MongoConfig struct {
	URI                string `yaml:"uri"`
	DBName             string `yaml:"dbName" split_words:"true"`
	RunsCollection     string `yaml:"runsCollection" split_words:"true"`
	ProfilesCollection string `yaml:"profilesCollection" split_words:"true"`
}

type ProfilesConfig struct {
	Store StoreType `yaml:"store" validate:"oneof=file mongo"`
	Path  string    `yaml:"path"`
}

type RunsConfig struct {
	Store StoreType `yaml:"store" validate:"oneof=file mongo"`
	Dir   string    `yaml:"dir"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// Settings is the complete service configuration.
type Settings struct {
	Shell     ShellConfig     `yaml:"shell"`
	SSH       SSHConfig       `yaml:"ssh"`
	Exec      ExecConfig      `yaml:"exec"`
	GitHub    GitHubConfig    `yaml:"github"`
	Provision ProvisionConfig `yaml:"provision"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Runs      RunsConfig      `yaml:"runs"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns the settings used when neither file nor environment says otherwise.
func Default() Settings {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	home, _ := os.UserHomeDir()

	return Settings{
		Shell: ShellConfig{Path: shell, HomeDir: home, MaxSessions: 8},
		SSH: SSHConfig{
			ConnectTimeout: 15 * time.Second,
			DialAttempts:   3,
			CloseTimeout:   5 * time.Second,
		},
		Exec: ExecConfig{DefaultTimeout: 15 * time.Second, CloneTimeout: 30 * time.Second},
		GitHub: GitHubConfig{
			BaseURL:          "https://api.github.com/",
			Timeout:          15 * time.Second,
			MaxResponseBytes: 1 << 20,
			UserAgent:        "DevTerm-App",
		},
		Provision: ProvisionConfig{KeyName: "github_devterm", KeyTitle: "DevTerm", Workers: 4},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			RequestTopic: "provision-requests",
			EventTopic:   "provision-events",
			GroupID:      "provisioner",
		},
		Mongo: MongoConfig{
			URI:                "mongodb://localhost:27017",
			DBName:             "devterm",
			RunsCollection:     "runs",
			ProfilesCollection: "profiles",
		},
		Profiles: ProfilesConfig{Store: FileStore, Path: "profiles.yaml"},
		Runs:     RunsConfig{Store: FileStore, Dir: "runs"},
		Server:   ServerConfig{Port: "8081"},
	}
}

var validate = validator.New()

// Load builds Settings from defaults, the YAML file at path (skipped when empty)
// and the environment, then validates the result.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		if err := filestore.New(path).Load(&s); err != nil {
			return Settings{}, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := validate.Struct(s); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// NewStore opens the document store of the given type. For MongoStore cfg must be
// a *mongostore.MongoStore ready to use; for FileStore a path string.
func NewStore(storeType StoreType, cfg any) (configstore.ConfigStore, error) {
	switch storeType {
	case FileStore:
		path, ok := cfg.(string)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected string path")
		}
		return filestore.New(path), nil
	case MongoStore:
		store, ok := cfg.(*mongostore.MongoStore)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *mongostore.MongoStore")
		}
		return store, nil
	default:
		return nil, ErrInvalidStoreType
	}
}
