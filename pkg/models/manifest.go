package models

import (
	"fmt"
	"strings"
)

// ParameterType is the JSON-schema primitive of a tool parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamInteger ParameterType = "integer"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
)

// Valid reports whether the type is a known parameter type.
func (t ParameterType) Valid() bool {
	switch t {
	case ParamString, ParamInteger, ParamNumber, ParamBoolean, ParamArray, ParamObject:
		return true
	}
	return false
}

// ToolParameter describes one argument of a tool.
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
}

// ToolDefinition describes one operation a module exposes. Name is
// globally unique and prefixed by the owning module ("module.op").
// An empty RequiredPermission is normalized to user during manifest
// validation.
type ToolDefinition struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Parameters         []ToolParameter `json:"parameters,omitempty"`
	RequiredPermission PermissionLevel `json:"required_permission,omitempty"`
}

// Module returns the module prefix of the tool name, or "" when the
// name carries no prefix.
func (d *ToolDefinition) Module() string {
	if i := strings.IndexByte(d.Name, '.'); i > 0 {
		return d.Name[:i]
	}
	return ""
}

// ParametersSchema renders the parameter list as a JSON-schema object
// suitable both for LLM tool declarations and for argument validation.
func (d *ToolDefinition) ParametersSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, e := range p.Enum {
				enum[i] = e
			}
			prop["enum"] = enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ModuleManifest is a module's self-description.
type ModuleManifest struct {
	ModuleName  string           `json:"module_name"`
	Description string           `json:"description,omitempty"`
	Tools       []ToolDefinition `json:"tools"`
}

// Validate checks structural invariants: the module name is set, every
// tool name is prefixed by it and unique within the manifest, parameter
// types are known, and permissions parse. Empty tool permissions are
// normalized to user.
func (m *ModuleManifest) Validate() error {
	if m.ModuleName == "" {
		return &ValidationError{Field: "module_name", Reason: "required"}
	}
	seen := make(map[string]bool, len(m.Tools))
	for i := range m.Tools {
		t := &m.Tools[i]
		path := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			return &ValidationError{Field: path + ".name", Reason: "required"}
		}
		if t.Module() != m.ModuleName {
			return &ValidationError{
				Field:  path + ".name",
				Reason: fmt.Sprintf("must be prefixed %q", m.ModuleName+"."),
			}
		}
		if seen[t.Name] {
			return &ValidationError{Field: path + ".name", Reason: "duplicate tool name"}
		}
		seen[t.Name] = true
		if t.RequiredPermission == "" {
			t.RequiredPermission = PermissionUser
		} else if !t.RequiredPermission.Valid() {
			return &ValidationError{
				Field:  path + ".required_permission",
				Reason: fmt.Sprintf("unknown level %q", t.RequiredPermission),
			}
		}
		for j, p := range t.Parameters {
			ppath := fmt.Sprintf("%s.parameters[%d]", path, j)
			if p.Name == "" {
				return &ValidationError{Field: ppath + ".name", Reason: "required"}
			}
			if !p.Type.Valid() {
				return &ValidationError{
					Field:  ppath + ".type",
					Reason: fmt.Sprintf("unknown type %q", p.Type),
				}
			}
		}
	}
	return nil
}
