package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// JobListDefinition describes one job list: its concurrency bound, its
// duration and destruction limits, and the parameters jobs may carry.
// Definitions are validated with go-playground/validator tags.
type JobListDefinition struct {
	Name                       string                `toml:"name" yaml:"name" validate:"required,joblistname"`
	MaxRunningJobs             int                   `toml:"max_running_jobs" yaml:"max_running_jobs" validate:"gte=0"`
	DefaultExecutionDuration   string                `toml:"default_execution_duration" yaml:"default_execution_duration"`
	MaxExecutionDuration       string                `toml:"max_execution_duration" yaml:"max_execution_duration"`
	DefaultDestructionInterval string                `toml:"default_destruction_interval" yaml:"default_destruction_interval"`
	MaxDestructionInterval     string                `toml:"max_destruction_interval" yaml:"max_destruction_interval"`
	DestructionPolicy          string                `toml:"destruction_policy" yaml:"destruction_policy" validate:"omitempty,oneof=ALWAYS_DELETE ARCHIVE_ON_DATE ALWAYS_ARCHIVE"`
	Parameters                 []ParameterDefinition `toml:"parameters" yaml:"parameters" validate:"dive"`
}

// ParameterDefinition describes one controlled job parameter.
type ParameterDefinition struct {
	Name          string   `toml:"name" yaml:"name" validate:"required"`
	Type          string   `toml:"type" yaml:"type" validate:"required,oneof=string numeric duration"`
	Default       string   `toml:"default" yaml:"default"`
	Min           *float64 `toml:"min" yaml:"min"`
	Max           *float64 `toml:"max" yaml:"max"`
	Regexp        string   `toml:"regexp" yaml:"regexp"`
	CaseSensitive bool     `toml:"case_sensitive" yaml:"case_sensitive"`
	AllowedValues []string `toml:"allowed_values" yaml:"allowed_values"`
	Modifiable    *bool    `toml:"modifiable" yaml:"modifiable"` // nil means modifiable
}

// yaml wrapper for the definitions file
type jobListDefinitionsFile struct {
	JobLists []JobListDefinition `yaml:"joblists"`
}

// IsValidJobListName rejects names that would break URL routing or the
// key=value backup manifest format.
func IsValidJobListName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, ".= \t\n\r/")
}

func newDefinitionValidator() *validator.Validate {
	validate := validator.New()
	// Errors from RegisterValidation only occur for empty tag names
	_ = validate.RegisterValidation("joblistname", func(fl validator.FieldLevel) bool {
		return IsValidJobListName(fl.Field().String())
	})
	return validate
}

// LoadJobListDefinitions resolves the job list definitions for this config:
// the YAML definitions file first, then inline TOML definitions, which
// replace file entries with the same name. Every definition is validated.
func (c *Config) LoadJobListDefinitions() ([]JobListDefinition, error) {
	var definitions []JobListDefinition

	if c.JobLists.DefinitionsFile != "" {
		data, err := os.ReadFile(c.JobLists.DefinitionsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read job list definitions %s: %w", c.JobLists.DefinitionsFile, err)
		}
		var file jobListDefinitionsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse job list definitions %s: %w", c.JobLists.DefinitionsFile, err)
		}
		definitions = file.JobLists
	}

	for _, inline := range c.JobLists.Definitions {
		replaced := false
		for i := range definitions {
			if definitions[i].Name == inline.Name {
				definitions[i] = inline
				replaced = true
				break
			}
		}
		if !replaced {
			definitions = append(definitions, inline)
		}
	}

	validate := newDefinitionValidator()
	seen := make(map[string]bool, len(definitions))
	for i := range definitions {
		def := &definitions[i]
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("invalid job list definition %q: %w", def.Name, err)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate job list definition %q", def.Name)
		}
		seen[def.Name] = true

		for _, field := range []string{
			def.DefaultExecutionDuration, def.MaxExecutionDuration,
			def.DefaultDestructionInterval, def.MaxDestructionInterval,
		} {
			if field == "" {
				continue
			}
			if _, err := ParseDurationMs(field); err != nil {
				return nil, fmt.Errorf("invalid job list definition %q: %w", def.Name, err)
			}
		}
	}

	return definitions, nil
}
