package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Input describes what one invocation should process. Field names follow the
// input record the tool has always accepted.
type Input struct {
	RunIDs                   []string `mapstructure:"runIds"`
	ActorOrTaskID            string   `mapstructure:"actorOrTaskId"`
	DateFrom                 string   `mapstructure:"dateFrom"`
	DateTo                   string   `mapstructure:"dateTo"`
	ResurrectRuns            bool     `mapstructure:"resurrectRuns"`
	ResurrectRunsConcurrency int      `mapstructure:"resurrectRunsConcurrency"`
	ResurrectBuildName       string   `mapstructure:"resurrectBuildName"`
	Token                    string   `mapstructure:"token"`
}

// LoadInput reads an input record from a JSON or YAML file. An empty path
// yields the defaults.
func LoadInput(path string) (Input, error) {
	in := Input{ResurrectRunsConcurrency: 1}
	if strings.TrimSpace(path) == "" {
		return in, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Input{}, fmt.Errorf("read input %s: %w", path, err)
	}
	if err := v.Unmarshal(&in, viper.DecodeHook(decodeHook())); err != nil {
		return Input{}, fmt.Errorf("decode input %s: %w", path, err)
	}
	if in.ResurrectRunsConcurrency <= 0 {
		in.ResurrectRunsConcurrency = 1
	}
	return in, nil
}

// Validate checks that the input names at least one run source.
func (in Input) Validate() error {
	if len(in.RunIDs) == 0 && strings.TrimSpace(in.ActorOrTaskID) == "" {
		return fmt.Errorf("either runIds or actorOrTaskId is required")
	}
	if in.ResurrectRunsConcurrency <= 0 {
		return fmt.Errorf("resurrectRunsConcurrency must be positive, got %d", in.ResurrectRunsConcurrency)
	}
	return nil
}
