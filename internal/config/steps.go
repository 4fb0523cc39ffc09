package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepOption is what an agent needs to run a job step: resources to reserve
// and the command to start.
type StepOption struct {
	CPUs int    `yaml:"cpus" json:"cpus"`
	Mem  int    `yaml:"mem" json:"mem"`
	Cmd  string `yaml:"cmd" json:"cmd"`
}

// StepOptions holds the default step options and per-project overrides.
//
//	default:
//	  cpus: 4
//	  mem: 8192
//	  cmd: changes-client -server {server} -jobstep_id {jobstep_id}
//	projects:
//	  server:
//	    cpus: 8
type StepOptions struct {
	Server   string                `yaml:"server"`
	Default  StepOption            `yaml:"default"`
	Projects map[string]StepOption `yaml:"projects"`
}

func DefaultStepOptions() *StepOptions {
	return &StepOptions{
		Server: "http://localhost:8080",
		Default: StepOption{
			CPUs: 4,
			Mem:  8192,
			Cmd:  "changes-client -server {server} -jobstep_id {jobstep_id}",
		},
	}
}

// LoadStepOptions reads path. An empty path gives the defaults.
func LoadStepOptions(path string) (*StepOptions, error) {
	opts := DefaultStepOptions()
	if path == "" {
		return opts, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, opts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, nil
}

// For returns project's options, falling back field by field to the default.
func (o *StepOptions) For(project string) StepOption {
	out := o.Default
	p, ok := o.Projects[project]
	if !ok {
		return out
	}
	if p.CPUs > 0 {
		out.CPUs = p.CPUs
	}
	if p.Mem > 0 {
		out.Mem = p.Mem
	}
	if p.Cmd != "" {
		out.Cmd = p.Cmd
	}
	return out
}

// Command renders the command template for one step.
func (o *StepOptions) Command(project, stepID string) string {
	return strings.NewReplacer(
		"{server}", o.Server,
		"{jobstep_id}", stepID,
		"{project}", project,
	).Replace(o.For(project).Cmd)
}
