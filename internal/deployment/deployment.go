// Package deployment reads deployment descriptions and builds scheduler
// clusters from them.
package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// Deployment describes a cluster: its nodes, their tasks and the edges
// between them.
type Deployment struct {
	Name           string                   `json:"name" yaml:"name"`
	MaxConcurrency int                      `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	SkipPolicy     string                   `json:"skip_policy,omitempty" yaml:"skip_policy,omitempty"`
	Nodes          []Node                   `json:"nodes" yaml:"nodes"`
	Subgraphs      []scheduler.SubgraphSpec `json:"subgraphs,omitempty" yaml:"subgraphs,omitempty"`
}

// Node describes one node and its tasks.
type Node struct {
	Name      string `json:"name" yaml:"name"`
	UID       string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Critical  bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
	SyncPoint bool   `json:"sync_point,omitempty" yaml:"sync_point,omitempty"`
	Offline   bool   `json:"offline,omitempty" yaml:"offline,omitempty"`
	Tasks     []Task `json:"tasks" yaml:"tasks"`
}

// Task describes one task. Dependency references are either bare task
// names on the same node or qualified "node/task" names.
type Task struct {
	Name      string            `json:"name" yaml:"name"`
	Run       string            `json:"run,omitempty" yaml:"run,omitempty"`
	Dir       string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Locks     []string          `json:"locks,omitempty" yaml:"locks,omitempty"`
	Timeout   string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Barrier wiring, only valid on sync-point nodes.
	Before []string `json:"before,omitempty" yaml:"before,omitempty"`
	After  []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Load reads a deployment file. The format follows the extension: .json,
// .yaml or .yml.
func Load(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment: %w", err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	d, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return d, nil
}

// Parse decodes a deployment in the given format ("json", "yaml" or "yml").
// Unknown fields are rejected.
func Parse(data []byte, format string) (*Deployment, error) {
	var d Deployment
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported deployment format %q", format)
	}
	return &d, nil
}

// Marshal encodes a deployment in the given format.
func Marshal(d *Deployment, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(d, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(d)
	}
	return nil, fmt.Errorf("unsupported deployment format %q", format)
}
