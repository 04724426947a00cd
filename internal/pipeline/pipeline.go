// Package pipeline describes image-processing pipelines as an ordered list
// of CLI stages and drives them through the task engine.
//
// Stages are opaque external processes. What this package owns is the
// contract around them: which subcommands exist and in what order, which
// flags each algorithm requires, and how artifacts chain from one stage to
// the next by path.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/spachava753/stagehand/internal/models"
)

// DefaultBinary is the pipeline CLI invoked when the file does not name one.
const DefaultBinary = "starfish"

// Pipeline is a validated-on-demand list of stages.
type Pipeline struct {
	Path    string
	Binary  string
	Workdir string
	// Sources are artifacts that exist before the first stage runs.
	Sources []string
	Stages  []Stage
}

// Stage is one invocation of a pipeline subcommand.
type Stage struct {
	Name    string
	Command string
	// Inputs are subcommand-level artifact flags, placed before the
	// algorithm name. AlgorithmInputs follow it.
	Inputs          map[string]string
	AlgorithmInputs map[string]string
	Output          string
	OutputFlag      string
	// ExtraOutputs are further artifacts a stage produces, e.g. every stack
	// written by the format step.
	ExtraOutputs []string
	Algorithm    string
	Params       []Param
	// Run replaces the generated argv entirely.
	Run []string
}

// Param is one algorithm flag. Switch params are rendered without a value.
type Param struct {
	Name   string
	Value  string
	Switch bool
}

type fileRoot struct {
	Binary    string           `hcl:"binary,optional"`
	Workdir   string           `hcl:"workdir,optional"`
	Sources   []string         `hcl:"sources,optional"`
	Variables []*variableBlock `hcl:"variable,block"`
	Stages    []*stageBlock    `hcl:"stage,block"`
}

// variablesRoot picks out variable blocks ahead of the full decode, so their
// defaults can seed the evaluation context.
type variablesRoot struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type variableBlock struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type stageBlock struct {
	Name            string            `hcl:"name,label"`
	Command         string            `hcl:"command"`
	Inputs          map[string]string `hcl:"inputs,optional"`
	AlgorithmInputs map[string]string `hcl:"algorithm_inputs,optional"`
	Output          string            `hcl:"output,optional"`
	OutputFlag      string            `hcl:"output_flag,optional"`
	Outputs         []string          `hcl:"outputs,optional"`
	Algorithm       string            `hcl:"algorithm,optional"`
	Params          cty.Value         `hcl:"params,optional"`
	Run             []string          `hcl:"run,optional"`
}

// Load parses a pipeline file. Declared variables are exposed to
// expressions as var.<name>; vars override their defaults.
func Load(path string, vars map[string]string) (*Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, &models.ConfigError{Source: path, Msg: "parsing pipeline", Err: diags}
	}

	var decls variablesRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &decls); diags.HasErrors() {
		return nil, &models.ConfigError{Source: path, Msg: "decoding variables", Err: diags}
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalContext(decls.Variables, vars), &root); diags.HasErrors() {
		return nil, &models.ConfigError{Source: path, Msg: "decoding pipeline", Err: diags}
	}

	p := &Pipeline{
		Path:    path,
		Binary:  root.Binary,
		Workdir: root.Workdir,
		Sources: root.Sources,
	}
	if p.Binary == "" {
		p.Binary = DefaultBinary
	}

	for _, b := range root.Stages {
		params, err := convertParams(b.Params)
		if err != nil {
			return nil, models.Configf(path, "stage %q: %v", b.Name, err)
		}
		s := Stage{
			Name:            b.Name,
			Command:         b.Command,
			Inputs:          b.Inputs,
			AlgorithmInputs: b.AlgorithmInputs,
			Output:          b.Output,
			OutputFlag:      b.OutputFlag,
			ExtraOutputs:    b.Outputs,
			Algorithm:       b.Algorithm,
			Params:          params,
			Run:             b.Run,
		}
		if s.OutputFlag == "" {
			s.OutputFlag = "output"
		}
		p.Stages = append(p.Stages, s)
	}
	return p, nil
}

func evalContext(decls []*variableBlock, vars map[string]string) *hcl.EvalContext {
	obj := make(map[string]cty.Value, len(decls)+len(vars))
	for _, d := range decls {
		if d.Default.IsNull() {
			obj[d.Name] = cty.NullVal(cty.String)
			continue
		}
		obj[d.Name] = d.Default
	}
	for k, v := range vars {
		obj[k] = cty.StringVal(v)
	}
	if len(obj) == 0 {
		return &hcl.EvalContext{Variables: map[string]cty.Value{"var": cty.EmptyObjectVal}}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"var": cty.ObjectVal(obj)}}
}

// convertParams flattens an object of flag values into sorted params.
// Numbers keep their shortest exact decimal form; true becomes a bare switch
// and false omits the flag.
func convertParams(v cty.Value) ([]Param, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("params must be known values")
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("params must be an object, got %s", ty.FriendlyName())
	}

	var params []Param
	for it := v.ElementIterator(); it.Next(); {
		k, val := it.Element()
		name := k.AsString()
		if val.IsNull() {
			continue
		}
		switch val.Type() {
		case cty.String:
			params = append(params, Param{Name: name, Value: val.AsString()})
		case cty.Number:
			params = append(params, Param{Name: name, Value: val.AsBigFloat().Text('f', -1)})
		case cty.Bool:
			if val.True() {
				params = append(params, Param{Name: name, Switch: true})
			}
		default:
			return nil, fmt.Errorf("param %q: unsupported type %s", name, val.Type().FriendlyName())
		}
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params, nil
}

// Outputs returns every artifact the stage writes, primary output first.
func (s Stage) Outputs() []string {
	var out []string
	if s.Output != "" {
		out = append(out, s.Output)
	}
	return append(out, s.ExtraOutputs...)
}

// InputPaths returns every artifact the stage reads, in argv order.
func (s Stage) InputPaths() []string {
	var in []string
	for _, flag := range inputFlags(s.Inputs) {
		in = append(in, s.Inputs[flag])
	}
	for _, flag := range inputFlags(s.AlgorithmInputs) {
		in = append(in, s.AlgorithmInputs[flag])
	}
	return in
}

// ParamMap returns the stage parameters keyed by flag, for error context.
func (s Stage) ParamMap() map[string]string {
	m := make(map[string]string, len(s.Params)+1)
	if s.Algorithm != "" {
		m["algorithm"] = s.Algorithm
	}
	for _, p := range s.Params {
		if p.Switch {
			m[p.Name] = "true"
			continue
		}
		m[p.Name] = p.Value
	}
	return m
}

// inputFlags orders input flags with "input" first and the rest sorted.
func inputFlags(m map[string]string) []string {
	flags := models.SortedKeys(m)
	for i, f := range flags {
		if f == "input" && i > 0 {
			copy(flags[1:i+1], flags[:i])
			flags[0] = "input"
			break
		}
	}
	return flags
}

// Argv renders the command line for the stage:
//
//	binary command --<input> path ... --<output_flag> path Algorithm --<alg input> path ... --<param> value ...
func (s Stage) Argv(binary string) []string {
	if len(s.Run) > 0 {
		return append([]string(nil), s.Run...)
	}
	argv := []string{binary, s.Command}
	for _, flag := range inputFlags(s.Inputs) {
		argv = append(argv, "--"+flag, s.Inputs[flag])
	}
	if s.Output != "" {
		argv = append(argv, "--"+s.OutputFlag, s.Output)
	}
	if s.Algorithm != "" {
		argv = append(argv, s.Algorithm)
	}
	for _, flag := range inputFlags(s.AlgorithmInputs) {
		argv = append(argv, "--"+flag, s.AlgorithmInputs[flag])
	}
	for _, p := range s.Params {
		argv = append(argv, "--"+p.Name)
		if !p.Switch {
			argv = append(argv, p.Value)
		}
	}
	return argv
}

// Resolve maps an artifact path to its location relative to the process's
// working directory.
func (p *Pipeline) Resolve(path string) string {
	if p.Workdir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Workdir, path)
}

// Artifacts lists sources followed by stage outputs in stage order, with
// the format each is declared to have.
func (p *Pipeline) Artifacts() []models.Artifact {
	var arts []models.Artifact
	for _, src := range p.Sources {
		arts = append(arts, models.Artifact{Path: src, Format: models.FormatExternal})
	}
	for _, s := range p.Stages {
		format := models.FormatExternal
		if sub, ok := Lookup(s.Command); ok {
			format = sub.Output
		}
		for _, out := range s.Outputs() {
			arts = append(arts, models.Artifact{Path: out, Format: format, Producer: s.Name})
		}
	}
	return arts
}

// StageNames returns the stage names in declaration order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
