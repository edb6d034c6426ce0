package model

import (
	"fmt"
	"strings"
)

// FormatRef names one concrete format of an abstract type, e.g. table/rows.
// Format names are scoped to their type.
type FormatRef struct {
	Type   string `json:"type" yaml:"type"`
	Format string `json:"format" yaml:"format"`
}

// String returns "type/format".
func (r FormatRef) String() string {
	return r.Type + "/" + r.Format
}

// ParseFormatRef parses "type/format".
func ParseFormatRef(s string) (FormatRef, error) {
	t, f, ok := strings.Cut(s, "/")
	if !ok || t == "" || f == "" {
		return FormatRef{}, fmt.Errorf("invalid format reference %q (want type/format)", s)
	}
	return FormatRef{Type: t, Format: f}, nil
}

// Port is a named, typed input or output slot on an Analysis.
// For inputs, Format is the format required for execution; for outputs it is
// the format the analysis produces.
type Port struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Format      string `json:"format" yaml:"format"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`

	// AutoConvert and AutoValidate default to true when unset.
	AutoConvert  *bool `json:"auto_convert,omitempty" yaml:"auto_convert,omitempty"`
	AutoValidate *bool `json:"auto_validate,omitempty" yaml:"auto_validate,omitempty"`
}

// Ref returns the port's (type, format) pair.
func (p Port) Ref() FormatRef {
	return FormatRef{Type: p.Type, Format: p.Format}
}

// HasDefault reports whether the port declares a default literal.
func (p Port) HasDefault() bool {
	return p.Default != nil
}

// Required reports whether an input port must be bound by an edge or literal.
func (p Port) Required() bool {
	return !p.Optional && !p.HasDefault()
}

// ConvertsAutomatically reports whether data may be converted into this port's format.
func (p Port) ConvertsAutomatically() bool {
	return p.AutoConvert == nil || *p.AutoConvert
}

// ValidatesAutomatically reports whether data is validated against this port's format.
func (p Port) ValidatesAutomatically() bool {
	return p.AutoValidate == nil || *p.AutoValidate
}

// Analysis is a declarative task specification: typed ports plus a mode and
// the payload for that mode. Exactly one payload matching Mode is set.
type Analysis struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        Mode   `json:"mode" yaml:"mode"`
	Inputs      []Port `json:"inputs" yaml:"inputs"`
	Outputs     []Port `json:"outputs" yaml:"outputs"`

	Native    *NativePayload    `json:"native,omitempty" yaml:"native,omitempty"`
	Script    *ScriptPayload    `json:"script,omitempty" yaml:"script,omitempty"`
	Container *ContainerPayload `json:"container,omitempty" yaml:"container,omitempty"`
	Workflow  *WorkflowPayload  `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Input returns the input port with the given name.
func (a *Analysis) Input(name string) (Port, bool) {
	for _, p := range a.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the output port with the given name.
func (a *Analysis) Output(name string) (Port, bool) {
	for _, p := range a.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// DisplayName returns Name, falling back to ID.
func (a *Analysis) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// NativePayload names a Go function registered with the native executor.
type NativePayload struct {
	Function string `json:"function" yaml:"function"`
}

// ScriptPayload is a foreign-interpreter script. Inputs are injected as
// variables named after the input ports; outputs are read back from variables
// named after the output ports.
type ScriptPayload struct {
	Language string `json:"language" yaml:"language"`
	Script   string `json:"script" yaml:"script"`
}

// ContainerPayload describes a container invocation.
type ContainerPayload struct {
	Image   string            `json:"image" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Runtime selects the container runner ("docker", "apptainer"); empty uses the default.
	Runtime string                     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Outputs map[string]ContainerOutput `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ContainerOutput tells the container executor where to read an output port from.
type ContainerOutput struct {
	// Path is relative to the outputs directory. Defaults to <port><ext>.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Stream is "stdout" or "stderr" to read the output from a captured stream.
	Stream string `json:"stream,omitempty" yaml:"stream,omitempty"`
	// Select is a gjson path applied to JSON content before decoding.
	Select string `json:"select,omitempty" yaml:"select,omitempty"`
}

// WorkflowPayload embeds a sub-workflow. Inputs and Outputs map the analysis'
// own port names to inner "node/port" endpoints.
type WorkflowPayload struct {
	Spec    *WorkflowSpec     `json:"spec" yaml:"spec"`
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}
