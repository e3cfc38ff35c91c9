// Package config loads the moderator configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"qqban/pkg/guard"
)

// Config holds all configuration, loaded once at startup from:
// 1. Default values
// 2. YAML config file (if it exists)
// 3. Environment variables (override)
type Config struct {
	// Deployment settings
	ListenAddr    string `yaml:"listen_addr"`
	APIBaseURL    string `yaml:"api_base_url"`
	EventWSURL    string `yaml:"event_ws_url"`
	AccessToken   string `yaml:"access_token"`
	PushSecret    string `yaml:"push_secret"`
	DataDir       string `yaml:"data_dir"`
	StorageBucket string `yaml:"storage_bucket"`

	// Moderation settings
	EnableGroupWhitelist  bool     `yaml:"enable_group_whitelist"`
	GroupWhitelist        []string `yaml:"group_whitelist"`
	EnableBlacklistNotice bool     `yaml:"enable_blacklist_notice"`
	EnableAutoApprove     bool     `yaml:"enable_auto_approve"`
	RejectReason          string   `yaml:"reject_reason"`
	LeaveNoticeTemplate   string   `yaml:"leave_notice_template"`
}

// Load loads configuration, reading the YAML file at path when it exists.
func Load(path string) (*Config, error) {
	// Start with defaults
	config := &Config{
		ListenAddr:            "0.0.0.0:8080",
		DataDir:               "./data",
		EnableGroupWhitelist:  true,
		EnableBlacklistNotice: true,
		EnableAutoApprove:     false,
		RejectReason:          guard.DefaultRejectReason,
		LeaveNoticeTemplate:   guard.DefaultLeaveNoticeTemplate,
	}

	// Load YAML file if exists
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("unmarshal config file: %w", err)
			}
		}
	}

	// Environment variable overrides
	config.ListenAddr = getEnv("QQBAN_LISTEN_ADDR", config.ListenAddr)
	config.APIBaseURL = getEnv("QQBAN_API_BASE_URL", config.APIBaseURL)
	config.EventWSURL = getEnv("QQBAN_EVENT_WS_URL", config.EventWSURL)
	config.AccessToken = getEnv("QQBAN_ACCESS_TOKEN", config.AccessToken)
	config.PushSecret = getEnv("QQBAN_PUSH_SECRET", config.PushSecret)
	config.DataDir = getEnv("QQBAN_DATA_DIR", config.DataDir)
	config.StorageBucket = getEnv("QQBAN_STORAGE_BUCKET", config.StorageBucket)
	config.EnableGroupWhitelist = getEnvBool("QQBAN_ENABLE_GROUP_WHITELIST", config.EnableGroupWhitelist)
	config.EnableBlacklistNotice = getEnvBool("QQBAN_ENABLE_BLACKLIST_NOTICE", config.EnableBlacklistNotice)
	config.EnableAutoApprove = getEnvBool("QQBAN_ENABLE_AUTO_APPROVE", config.EnableAutoApprove)
	config.RejectReason = getEnv("QQBAN_REJECT_REASON", config.RejectReason)
	config.LeaveNoticeTemplate = getEnv("QQBAN_LEAVE_NOTICE_TEMPLATE", config.LeaveNoticeTemplate)
	if envVal := os.Getenv("QQBAN_GROUP_WHITELIST"); envVal != "" {
		config.GroupWhitelist = strings.Split(envVal, ",")
	}

	return config, nil
}

// Policy derives the immutable moderation policy from the configuration.
func (c *Config) Policy() *guard.Policy {
	whitelist := make(map[string]struct{}, len(c.GroupWhitelist))
	for _, gid := range c.GroupWhitelist {
		gid = strings.TrimSpace(gid)
		if gid == "" {
			continue
		}
		whitelist[gid] = struct{}{}
	}

	return &guard.Policy{
		Whitelist:           whitelist,
		RejectReason:        c.RejectReason,
		LeaveNoticeTemplate: c.LeaveNoticeTemplate,
		EnforceWhitelist:    c.EnableGroupWhitelist,
		NoticeEnabled:       c.EnableBlacklistNotice,
		AutoApprove:         c.EnableAutoApprove,
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
