/*
Copyright 2025 Paystream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYSTREAM_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PAYSTREAM_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PAYSTREAM_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig bounds every ledger call: per-attempt timeout and the number
// of backoff retries on transient failures.
type LedgerConfig struct {
	CallTimeoutSec int    `json:"call_timeout_sec" envconfig:"PAYSTREAM_LEDGER_CALL_TIMEOUT_SEC"`
	MaxRetries     uint64 `json:"max_retries" envconfig:"PAYSTREAM_LEDGER_MAX_RETRIES"`
}

// SweepConfig drives the expiry sweep: how often it runs and how many failed
// post-submission validations a channel may accumulate before it is flagged
// for manual intervention instead of being retried indefinitely.
type SweepConfig struct {
	IntervalSec           int    `json:"interval_sec" envconfig:"PAYSTREAM_SWEEP_INTERVAL_SEC"`
	BatchSize             int    `json:"batch_size" envconfig:"PAYSTREAM_SWEEP_BATCH_SIZE"`
	MaxValidationAttempts int    `json:"max_validation_attempts" envconfig:"PAYSTREAM_SWEEP_MAX_VALIDATION_ATTEMPTS"`
	Queue                 string `json:"queue" envconfig:"PAYSTREAM_SWEEP_QUEUE"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"PAYSTREAM_PROJECT_NAME"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Ledger       LedgerConfig     `json:"ledger"`
	Sweep        SweepConfig      `json:"sweep"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("paystream", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called paystream.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Paystream Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Ledger.CallTimeoutSec <= 0 {
		cnf.Ledger.CallTimeoutSec = 15
	}
	if cnf.Ledger.MaxRetries == 0 {
		cnf.Ledger.MaxRetries = 3
	}

	if cnf.Sweep.IntervalSec <= 0 {
		cnf.Sweep.IntervalSec = 300
	}
	if cnf.Sweep.BatchSize <= 0 {
		cnf.Sweep.BatchSize = 100
	}
	if cnf.Sweep.MaxValidationAttempts <= 0 {
		cnf.Sweep.MaxValidationAttempts = 5
	}
	if cnf.Sweep.Queue == "" {
		cnf.Sweep.Queue = "expiry_sweep"
	}

	return nil
}

// LedgerCallTimeout returns the bounded per-attempt timeout for ledger calls.
func (cnf *Configuration) LedgerCallTimeout() time.Duration {
	return time.Duration(cnf.Ledger.CallTimeoutSec) * time.Second
}

// SweepInterval returns the interval between expiry sweeps.
func (cnf *Configuration) SweepInterval() time.Duration {
	return time.Duration(cnf.Sweep.IntervalSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaultsForTest()
	ConfigStore.Store(mockConfig)
}

// validateAndAddDefaultsForTest applies defaults without requiring the
// connection strings a unit test never uses.
func (cnf *Configuration) validateAndAddDefaultsForTest() error {
	if cnf.Ledger.CallTimeoutSec <= 0 {
		cnf.Ledger.CallTimeoutSec = 15
	}
	if cnf.Ledger.MaxRetries == 0 {
		cnf.Ledger.MaxRetries = 3
	}
	if cnf.Sweep.IntervalSec <= 0 {
		cnf.Sweep.IntervalSec = 300
	}
	if cnf.Sweep.BatchSize <= 0 {
		cnf.Sweep.BatchSize = 100
	}
	if cnf.Sweep.MaxValidationAttempts <= 0 {
		cnf.Sweep.MaxValidationAttempts = 5
	}
	if cnf.Sweep.Queue == "" {
		cnf.Sweep.Queue = "expiry_sweep"
	}
	return nil
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
