// Package config содержит логику чтения конфигурации сервиса Tapaar.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации кошелькового сервиса.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	MailerAddress        string        `env:"MAILER_ADDRESS"`
	AuthSecret           string        `env:"AUTH_SECRET"`
	VerifyRetryInterval  time.Duration `env:"VERIFY_RETRY_INTERVAL"`
	JobReconcileInterval time.Duration `env:"JOB_RECONCILE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMailerAddress := cfg.MailerAddress
	envAuthSecret := cfg.AuthSecret
	envVerifyRetry := cfg.VerifyRetryInterval
	envJobReconcile := cfg.JobReconcileInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MailerAddress, "m", "", "email relay address")
	flag.StringVar(&cfg.AuthSecret, "s", "tapaar-secret", "auth cookie signing secret")
	flag.DurationVar(&cfg.VerifyRetryInterval, "v", 30*time.Second, "payment verification retry interval")
	flag.DurationVar(&cfg.JobReconcileInterval, "j", 5*time.Second, "airtime job reconciliation interval, 0 disables")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMailerAddress != "" {
		cfg.MailerAddress = envMailerAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envVerifyRetry != 0 {
		cfg.VerifyRetryInterval = envVerifyRetry
	}
	if envJobReconcile != 0 {
		cfg.JobReconcileInterval = envJobReconcile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
