package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/stagehand/internal/models"
)

// PlotBackendVar selects how figures render during test runs.
const PlotBackendVar = "MPLBACKEND"

// Taskfile represents the parsed stagehand.yaml configuration.
type Taskfile struct {
	Path    string                           `yaml:"-"`
	Vars    map[string]string                `yaml:"vars,omitempty"`
	Env     map[string]string                `yaml:"env,omitempty"`
	Shell   string                           `yaml:"shell,omitempty"`
	Workers int                              `yaml:"workers,omitempty"`
	Python  string                           `yaml:"python,omitempty"`
	Tasks   map[string]models.Task           `yaml:"tasks"`
	Locks   map[string]models.LockDefinition `yaml:"locks,omitempty"`
	Tests   models.TestSuite                 `yaml:"tests,omitempty"`
}

// DefaultTaskfile returns a Taskfile with default values.
func DefaultTaskfile() Taskfile {
	return Taskfile{
		Vars:    map[string]string{},
		Env:     map[string]string{PlotBackendVar: "Agg"},
		Shell:   "/bin/sh",
		Workers: 4,
		Python:  "python3",
		Tasks:   map[string]models.Task{},
		Locks:   map[string]models.LockDefinition{},
		Tests: models.TestSuite{
			Workers: 4,
		},
	}
}

// LoadTaskfile loads and parses a stagehand.yaml file. Overrides take
// precedence over the file's vars and are substituted wherever ${name}
// appears in commands, paths and env values.
func LoadTaskfile(path string, overrides map[string]string) (Taskfile, error) {
	tf := DefaultTaskfile()
	tf.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return tf, fmt.Errorf("reading taskfile: %w", err)
	}

	if err := yaml.Unmarshal(data, &tf); err != nil {
		return tf, &models.ConfigError{Source: path, Msg: "parsing taskfile", Err: err}
	}

	// Apply defaults for missing values
	if tf.Env == nil {
		tf.Env = map[string]string{}
	}
	if _, ok := tf.Env[PlotBackendVar]; !ok {
		tf.Env[PlotBackendVar] = "Agg"
	}
	if tf.Shell == "" {
		tf.Shell = "/bin/sh"
	}
	if tf.Workers <= 0 {
		tf.Workers = 4
	}
	if tf.Python == "" {
		tf.Python = "python3"
	}
	if tf.Tests.Workers <= 0 {
		tf.Tests.Workers = tf.Workers
	}
	if tf.Vars == nil {
		tf.Vars = map[string]string{}
	}
	for k, v := range overrides {
		tf.Vars[k] = v
	}

	tf.expand()

	for name, lock := range tf.Locks {
		if lock.Output == "" {
			return tf, models.Configf(path, "lock %q: output is required", name)
		}
		if len(lock.Manifests) == 0 {
			return tf, models.Configf(path, "lock %q: at least one manifest is required", name)
		}
		lock.Name = name
		tf.Locks[name] = lock
	}

	return tf, nil
}

// TaskList returns the tasks with their names filled in.
func (tf Taskfile) TaskList() []models.Task {
	tasks := make([]models.Task, 0, len(tf.Tasks))
	for _, name := range models.SortedKeys(tf.Tasks) {
		t := tf.Tasks[name]
		t.Name = name
		tasks = append(tasks, t)
	}
	return tasks
}

// LockList returns lock definitions in name order.
func (tf Taskfile) LockList() []models.LockDefinition {
	locks := make([]models.LockDefinition, 0, len(tf.Locks))
	for _, name := range models.SortedKeys(tf.Locks) {
		locks = append(locks, tf.Locks[name])
	}
	return locks
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand substitutes ${name} for known vars. Unknown references are left
// untouched so the shell can still resolve its own variables.
func Expand(s string, vars map[string]string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}

func expandAll(in []string, vars map[string]string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Expand(s, vars)
	}
	return out
}

func (tf *Taskfile) expand() {
	for k, v := range tf.Env {
		tf.Env[k] = Expand(v, tf.Vars)
	}
	for name, t := range tf.Tasks {
		t.Run = expandAll(t.Run, tf.Vars)
		t.Sources = expandAll(t.Sources, tf.Vars)
		t.Targets = expandAll(t.Targets, tf.Vars)
		t.Dir = Expand(t.Dir, tf.Vars)
		for k, v := range t.Env {
			t.Env[k] = Expand(v, tf.Vars)
		}
		tf.Tasks[name] = t
	}
	for name, l := range tf.Locks {
		l.Manifests = expandAll(l.Manifests, tf.Vars)
		l.Output = Expand(l.Output, tf.Vars)
		l.Copies = expandAll(l.Copies, tf.Vars)
		tf.Locks[name] = l
	}
	for i, s := range tf.Tests.Shards {
		tf.Tests.Shards[i].Run = Expand(s.Run, tf.Vars)
	}
	tf.Tests.Coverage = Expand(tf.Tests.Coverage, tf.Vars)
}
