// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process configuration once at startup from
// the environment and an optional .env file.
package config

import (
	"os"
	"time"

	"github.com/matta/gotriage/internal/logger"
	"github.com/matta/gotriage/internal/persist"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable is not set")

const DefaultPersona = `I work as a software engineer building backend services and developer tooling.
I like to stay updated with all things latest in AI, startups and technology.`

type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL"`
	Model   string `env:"OPENAI_MODEL" envDefault:"gpt-3.5-turbo"`
}

// OwnerConfig describes the person whose inbox is triaged.
type OwnerConfig struct {
	Email   string `env:"OWNER_EMAIL"`
	Persona string `env:"OWNER_PERSONA"`
}

type StoreConfig struct {
	Driver string `env:"TRIAGE_DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"TRIAGE_DB_DSN" envDefault:"~/.gotriage.db"`
	Table  string `env:"TRIAGE_TABLE" envDefault:"emails_tracking"`
}

type GmailConfig struct {
	CredentialsFile string `env:"GMAIL_CREDENTIALS_FILE" envDefault:"credentials.json"`
	TokenFile       string `env:"GMAIL_TOKEN_FILE" envDefault:"token.json"`
}

type TriageConfig struct {
	MaxMessages  int64         `env:"TRIAGE_MAX_MESSAGES" envDefault:"10"`
	PollInterval time.Duration `env:"TRIAGE_POLL_INTERVAL" envDefault:"10s"`
	Lookback     time.Duration `env:"TRIAGE_LOOKBACK" envDefault:"24h"`
}

type Config struct {
	OpenAI OpenAIConfig
	Owner  OwnerConfig
	Store  StoreConfig
	Gmail  GmailConfig
	Triage TriageConfig
	Logger logger.Config
}

// DefaultEnvFile is read by Load when no files are named.
const DefaultEnvFile = ".env"

// Load reads the given .env files into the process environment, then
// parses and validates the configuration.  With no files named it reads
// DefaultEnvFile, which may be absent.  Named files must exist.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		err := godotenv.Load(DefaultEnvFile)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "loading %s", DefaultEnvFile)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, errors.Wrap(err, "loading environment files")
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment
// when environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.Parse(&cfg, opts); err != nil {
		return Config{}, errors.Wrap(err, "parsing configuration")
	}
	if cfg.Owner.Persona == "" {
		cfg.Owner.Persona = DefaultPersona
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.OpenAI.Model == "" {
		return errors.New("OPENAI_MODEL must not be empty")
	}
	switch c.Store.Driver {
	case persist.DriverSQLite, persist.DriverPostgres:
	default:
		return errors.Errorf("TRIAGE_DB_DRIVER %q is not one of %q, %q",
			c.Store.Driver, persist.DriverSQLite, persist.DriverPostgres)
	}
	if c.Store.DSN == "" {
		return errors.New("TRIAGE_DB_DSN must not be empty")
	}
	if !persist.ValidTable(c.Store.Table) {
		return errors.Errorf("TRIAGE_TABLE %q is not a valid table name", c.Store.Table)
	}
	if c.Triage.MaxMessages <= 0 {
		return errors.Errorf("TRIAGE_MAX_MESSAGES must be positive, got %d", c.Triage.MaxMessages)
	}
	if c.Triage.PollInterval <= 0 {
		return errors.Errorf("TRIAGE_POLL_INTERVAL must be positive, got %v", c.Triage.PollInterval)
	}
	if c.Triage.Lookback <= 0 {
		return errors.Errorf("TRIAGE_LOOKBACK must be positive, got %v", c.Triage.Lookback)
	}
	return nil
}
