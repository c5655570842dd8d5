// Package config wraps the settings table with typed accessors and a YAML
// seed file loader. The scheduler reads settings fresh every tick, so edits
// take effect without a restart.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentdeck/agentdeck/internal/db"
)

// Settings keys.
const (
	KeyListID         = "clickup_list_id"
	KeyTriggerStatus  = "trigger_status"
	KeyTargetStatus   = "target_status"
	KeyParallelLimit  = "parallel_limit"
	KeyTargetRepoPath = "target_repo_path"
	KeyDevBranch      = "dev_branch"
	KeyAgentPrompt    = "agent_prompt"
	KeyAPIToken       = "clickup_api_token"
	KeyPollInterval   = "poll_interval_seconds"
	KeyDefaultAgent   = "default_agent"
)

// Defaults applied when a key is unset.
const (
	DefaultTriggerStatus = "Ready for Dev"
	DefaultTargetStatus  = "In Development"
	DefaultParallelLimit = 1
	DefaultDevBranch     = "dev"
	DefaultPollInterval  = 30
)

// Settings is one tick's view of the orchestration configuration.
type Settings struct {
	ListID        string
	TriggerStatus string
	TargetStatus  string
	ParallelLimit int
	RepoPath      string
	DevBranch     string
	AgentPrompt   string
}

// Load reads the scheduler settings, applying defaults for unset keys.
func Load(store *db.DB) (Settings, error) {
	s := Settings{
		TriggerStatus: DefaultTriggerStatus,
		TargetStatus:  DefaultTargetStatus,
		ParallelLimit: DefaultParallelLimit,
		DevBranch:     DefaultDevBranch,
	}

	get := func(key string) (string, error) {
		v, err := store.GetSetting(key)
		if err != nil {
			return "", fmt.Errorf("read setting %s: %w", key, err)
		}
		return strings.TrimSpace(v), nil
	}

	var err error
	if s.ListID, err = get(KeyListID); err != nil {
		return s, err
	}
	if v, err := get(KeyTriggerStatus); err != nil {
		return s, err
	} else if v != "" {
		s.TriggerStatus = v
	}
	if v, err := get(KeyTargetStatus); err != nil {
		return s, err
	} else if v != "" {
		s.TargetStatus = v
	}
	if v, err := get(KeyParallelLimit); err != nil {
		return s, err
	} else if v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n >= 0 {
			s.ParallelLimit = n
		}
	}
	if s.RepoPath, err = get(KeyTargetRepoPath); err != nil {
		return s, err
	}
	if v, err := get(KeyDevBranch); err != nil {
		return s, err
	} else if v != "" {
		s.DevBranch = v
	}
	if s.AgentPrompt, err = get(KeyAgentPrompt); err != nil {
		return s, err
	}
	return s, nil
}

// PollIntervalSeconds returns the scheduler tick interval.
func PollIntervalSeconds(store *db.DB) int {
	v, err := store.GetSetting(KeyPollInterval)
	if err != nil || v == "" {
		return DefaultPollInterval
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return DefaultPollInterval
	}
	return n
}
