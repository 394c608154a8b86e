/*
Copyright 2024 Redress Authors.

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

const (
	DEFAULT_PORT = "5002"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"REDRESS_SERVER_SSL"`
	SecretKey string `json:"secret_key" envconfig:"REDRESS_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"REDRESS_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"REDRESS_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"REDRESS_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"REDRESS_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REDRESS_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REDRESS_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig names the Redis lists of the work queue and tunes the
// dispatcher and worker loops.
type QueueConfig struct {
	WorkQueue       string        `json:"work_queue" envconfig:"REDRESS_QUEUE_WORK_QUEUE"`
	ProcessingQueue string        `json:"processing_queue" envconfig:"REDRESS_QUEUE_PROCESSING_QUEUE"`
	WebhookQueue    string        `json:"webhook_queue" envconfig:"REDRESS_QUEUE_WEBHOOK_QUEUE"`
	SmsQueue        string        `json:"sms_queue" envconfig:"REDRESS_QUEUE_SMS_QUEUE"`
	BatchSize       int           `json:"batch_size" envconfig:"REDRESS_QUEUE_BATCH_SIZE"`
	PollInterval    time.Duration `json:"poll_interval" envconfig:"REDRESS_QUEUE_POLL_INTERVAL"`
	BlockTimeout    time.Duration `json:"block_timeout" envconfig:"REDRESS_QUEUE_BLOCK_TIMEOUT"`
	IdleSleep       time.Duration `json:"idle_sleep" envconfig:"REDRESS_QUEUE_IDLE_SLEEP"`
	MaxRetries      uint64        `json:"max_retries" envconfig:"REDRESS_QUEUE_MAX_RETRIES"`
	BaseDelay       time.Duration `json:"base_delay" envconfig:"REDRESS_QUEUE_BASE_DELAY"`
	MonitoringPort  string        `json:"monitoring_port" envconfig:"REDRESS_QUEUE_MONITORING_PORT"`
}

// EscalationConfig controls the delayed-action offsets of the complaint
// lifecycle.
type EscalationConfig struct {
	DueOffset        time.Duration `json:"due_offset" envconfig:"REDRESS_ESCALATION_DUE_OFFSET"`
	ClosureDueOffset time.Duration `json:"closure_due_offset" envconfig:"REDRESS_ESCALATION_CLOSURE_DUE_OFFSET"`
	MaxLevel         int           `json:"max_level" envconfig:"REDRESS_ESCALATION_MAX_LEVEL"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type SmsGateway struct {
	Url     string            `json:"url" envconfig:"REDRESS_SMS_GATEWAY_URL"`
	Sender  string            `json:"sender" envconfig:"REDRESS_SMS_GATEWAY_SENDER"`
	Headers map[string]string `json:"headers"`
}

// RateLimitConfig tunes the API rate limiter. Nil values disable limiting.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REDRESS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REDRESS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REDRESS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Sms     SmsGateway   `json:"sms"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"REDRESS_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Escalation   EscalationConfig `json:"escalation"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
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
	err = envconfig.Process("redress", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called redress.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Redress Server"
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
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.WorkQueue == "" {
		cnf.Queue.WorkQueue = "queue"
	}
	if cnf.Queue.ProcessingQueue == "" {
		cnf.Queue.ProcessingQueue = "worker-queue"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.SmsQueue == "" {
		cnf.Queue.SmsQueue = "notification_sms"
	}
	if cnf.Queue.BatchSize <= 0 {
		cnf.Queue.BatchSize = 50
	}
	if cnf.Queue.PollInterval <= 0 {
		cnf.Queue.PollInterval = 5 * time.Second
	}
	if cnf.Queue.BlockTimeout <= 0 {
		cnf.Queue.BlockTimeout = 5 * time.Second
	}
	if cnf.Queue.IdleSleep <= 0 {
		cnf.Queue.IdleSleep = 1 * time.Second
	}
	if cnf.Queue.MaxRetries == 0 {
		cnf.Queue.MaxRetries = 5
	}
	if cnf.Queue.BaseDelay <= 0 {
		cnf.Queue.BaseDelay = 500 * time.Millisecond
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5003"
	}

	if cnf.Escalation.DueOffset <= 0 {
		cnf.Escalation.DueOffset = 48 * time.Hour
	}
	if cnf.Escalation.ClosureDueOffset <= 0 {
		cnf.Escalation.ClosureDueOffset = 24 * time.Hour
	}
	if cnf.Escalation.MaxLevel <= 0 {
		cnf.Escalation.MaxLevel = 2
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 600
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes. Queue and
// escalation defaults are filled in so tests don't spell out every knob.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		log.Printf("mock config missing required fields: %v", err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
