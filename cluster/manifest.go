package cluster

import (
	"fmt"

	"go.yaml.in/yaml/v2"

	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/split"
	"github.com/izavyalov-dev/cloudblast/tuner"
)

// Container image running one search job on the orchestrator cluster.
const searchImage = "ncbi/blast:2.17.0"

// jobLabel marks every search job so status and teardown can find them.
const jobLabel = "app=blast"

// Manifest types cover just the fields the generated jobs use.

type jobManifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   metadata `yaml:"metadata"`
	Spec       jobSpec  `yaml:"spec"`
}

type metadata struct {
	Name   string            `yaml:"name,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type jobSpec struct {
	BackoffLimit int         `yaml:"backoffLimit"`
	Template     podTemplate `yaml:"template"`
}

type podTemplate struct {
	Metadata metadata `yaml:"metadata"`
	Spec     podSpec  `yaml:"spec"`
}

type podSpec struct {
	RestartPolicy string      `yaml:"restartPolicy"`
	Containers    []container `yaml:"containers"`
}

type container struct {
	Name      string       `yaml:"name"`
	Image     string       `yaml:"image"`
	Command   []string     `yaml:"command"`
	Env       []envVar     `yaml:"env,omitempty"`
	Resources requirements `yaml:"resources"`
}

type envVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type requirements struct {
	Requests map[string]string `yaml:"requests,omitempty"`
	Limits   map[string]string `yaml:"limits,omitempty"`
}

// renderJobManifest produces the job descriptor for one work unit.
func renderJobManifest(cfg *config.RunConfig, decision tuner.Decision, unit split.WorkUnit, options string) ([]byte, string, error) {
	jobName := sanitizeName(fmt.Sprintf("blast-batch-%03d", unit.Index))
	manifest := jobManifest{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: metadata{
			Name:   jobName,
			Labels: map[string]string{"app": "blast", "owner": sanitizeName(cfg.Owner)},
		},
		Spec: jobSpec{
			BackoffLimit: 0,
			Template: podTemplate{
				Metadata: metadata{Labels: map[string]string{"app": "blast"}},
				Spec: podSpec{
					RestartPolicy: "Never",
					Containers: []container{{
						Name:    "blast",
						Image:   searchImage,
						Command: []string{"run-blast.sh"},
						Env: []envVar{
							{Name: "CLOUDBLAST_PROGRAM", Value: cfg.Program},
							{Name: "CLOUDBLAST_DB", Value: cfg.Database},
							{Name: "CLOUDBLAST_QUERY", Value: unit.URI},
							{Name: "CLOUDBLAST_RESULTS", Value: cfg.Results},
							{Name: "CLOUDBLAST_OPTIONS", Value: options},
							{Name: "CLOUDBLAST_NUM_CPUS", Value: fmt.Sprintf("%d", decision.NumCPUs)},
						},
						Resources: requirements{
							Requests: map[string]string{
								"cpu":    fmt.Sprintf("%d", decision.NumCPUs),
								"memory": fmt.Sprintf("%dMi", decision.MemLimit.AsMB()),
							},
							Limits: map[string]string{
								"memory": fmt.Sprintf("%dMi", decision.MemLimit.AsMB()),
							},
						},
					}},
				},
			},
		},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, "", fmt.Errorf("encode job manifest %s: %w", jobName, err)
	}
	return data, jobName, nil
}
