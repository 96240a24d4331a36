// Package config loads SRE Sentinel's process configuration from the
// environment, following the variable table in the external interfaces
// specification.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	Env string

	FastClassifierURL   string
	FastClassifierKey   string
	FastClassifierModel string

	DeepAnalyzerURL   string
	DeepAnalyzerKey   string
	DeepAnalyzerModel string

	ToolGatewayURL string

	APIPort int

	AutoHealEnabled bool

	LogLinesPerCheck int
	// LogCheckInterval is the metrics sampler's polling period (despite the
	// name inherited from the external interface's LOG_CHECK_INTERVAL
	// variable, which governs metrics cadence, not the log flush interval).
	LogCheckInterval time.Duration

	// EventBusNATSURL, when non-empty, enables the durable fan-out sink.
	EventBusNATSURL string

	// ActionLedgerPath is the ambient, non-authoritative SQLite ledger
	// path; not part of the external contract, purely local forensics.
	ActionLedgerPath string
}

// ErrConfig wraps every error produced by Load; callers use it to decide
// the config_error exit path (exit code 1).
type ErrConfig struct {
	Var string
	Err error
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config error for %s: %v", e.Var, e.Err)
}

func (e *ErrConfig) Unwrap() error { return e.Err }

// Load reads configuration from the environment. Required variables that
// are missing produce an *ErrConfig.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("API_PORT", 8000)
	v.SetDefault("AUTO_HEAL_ENABLED", true)
	v.SetDefault("LOG_LINES_PER_CHECK", 20)
	v.SetDefault("LOG_CHECK_INTERVAL", "5s")
	v.SetDefault("SENTINEL_ENV", "production")

	for _, name := range []string{
		"FAST_CLASSIFIER_URL", "FAST_CLASSIFIER_KEY", "FAST_CLASSIFIER_MODEL",
		"DEEP_ANALYZER_URL", "DEEP_ANALYZER_KEY", "DEEP_ANALYZER_MODEL",
		"TOOL_GATEWAY_URL", "API_PORT", "AUTO_HEAL_ENABLED",
		"LOG_LINES_PER_CHECK", "LOG_CHECK_INTERVAL",
		"EVENT_BUS_NATS_URL", "ACTION_LEDGER_PATH", "SENTINEL_ENV",
	} {
		if err := v.BindEnv(name); err != nil {
			return nil, &ErrConfig{Var: name, Err: err}
		}
	}

	checkInterval, err := time.ParseDuration(v.GetString("LOG_CHECK_INTERVAL"))
	if err != nil {
		return nil, &ErrConfig{Var: "LOG_CHECK_INTERVAL", Err: err}
	}

	cfg := &Config{
		Env:                 v.GetString("SENTINEL_ENV"),
		FastClassifierURL:   v.GetString("FAST_CLASSIFIER_URL"),
		FastClassifierKey:   v.GetString("FAST_CLASSIFIER_KEY"),
		FastClassifierModel: v.GetString("FAST_CLASSIFIER_MODEL"),
		DeepAnalyzerURL:     v.GetString("DEEP_ANALYZER_URL"),
		DeepAnalyzerKey:     v.GetString("DEEP_ANALYZER_KEY"),
		DeepAnalyzerModel:   v.GetString("DEEP_ANALYZER_MODEL"),
		ToolGatewayURL:      v.GetString("TOOL_GATEWAY_URL"),
		APIPort:             v.GetInt("API_PORT"),
		AutoHealEnabled:     v.GetBool("AUTO_HEAL_ENABLED"),
		LogLinesPerCheck:    v.GetInt("LOG_LINES_PER_CHECK"),
		LogCheckInterval:    checkInterval,
		EventBusNATSURL:     v.GetString("EVENT_BUS_NATS_URL"),
		ActionLedgerPath:    v.GetString("ACTION_LEDGER_PATH"),
	}
	if cfg.ActionLedgerPath == "" {
		cfg.ActionLedgerPath = "./sentinel_actions.db"
	}

	for _, required := range []struct {
		name, value string
	}{
		{"FAST_CLASSIFIER_URL", cfg.FastClassifierURL},
		{"DEEP_ANALYZER_URL", cfg.DeepAnalyzerURL},
		{"TOOL_GATEWAY_URL", cfg.ToolGatewayURL},
	} {
		if required.value == "" {
			return nil, &ErrConfig{Var: required.name, Err: fmt.Errorf("required but not set")}
		}
	}

	return cfg, nil
}
