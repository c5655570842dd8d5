package config

import (
	"fmt"
	"os"

	"github.com/agentdeck/agentdeck/internal/db"
	"gopkg.in/yaml.v3"
)

// SeedFile is the optional YAML file imported into the settings table at
// startup or via `agentdeck config import`. Only keys present in the file
// are written; existing settings for absent keys are left alone.
type SeedFile struct {
	ListID        string `yaml:"clickup_list_id"`
	APIToken      string `yaml:"clickup_api_token"`
	TriggerStatus string `yaml:"trigger_status"`
	TargetStatus  string `yaml:"target_status"`
	ParallelLimit string `yaml:"parallel_limit"`
	RepoPath      string `yaml:"target_repo_path"`
	DevBranch     string `yaml:"dev_branch"`
	AgentPrompt   string `yaml:"agent_prompt"`
	PollInterval  string `yaml:"poll_interval_seconds"`
	DefaultAgent  string `yaml:"default_agent"`
}

// Import reads a YAML seed file and writes its non-empty values into the
// settings table. Returns the number of keys written.
func Import(store *db.DB, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	pairs := []struct {
		key   string
		value string
	}{
		{KeyListID, seed.ListID},
		{KeyAPIToken, seed.APIToken},
		{KeyTriggerStatus, seed.TriggerStatus},
		{KeyTargetStatus, seed.TargetStatus},
		{KeyParallelLimit, seed.ParallelLimit},
		{KeyTargetRepoPath, seed.RepoPath},
		{KeyDevBranch, seed.DevBranch},
		{KeyAgentPrompt, seed.AgentPrompt},
		{KeyPollInterval, seed.PollInterval},
		{KeyDefaultAgent, seed.DefaultAgent},
	}

	written := 0
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		if err := store.SetSetting(p.key, p.value); err != nil {
			return written, fmt.Errorf("write setting %s: %w", p.key, err)
		}
		written++
	}
	return written, nil
}
