// Command schema-check loads a YAML model bundle, registers it against a
// fresh schema registry, and reports whether finalization passes: unresolved
// targets, missing inverses, unresolvable dependency paths, and compute
// cycles all fail the check.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"erpcore/pkg/schema"
)

var exitFunc = os.Exit

// Bundle is the YAML shape of a model contribution: full model definitions
// plus field extensions applied to models defined elsewhere in the bundle.
type Bundle struct {
	Models     []ModelSpec     `yaml:"models"`
	Extensions []ExtensionSpec `yaml:"extensions"`
}

type ModelSpec struct {
	Name     string      `yaml:"name"`
	Label    string      `yaml:"label"`
	Order    string      `yaml:"order"`
	Delegate string      `yaml:"delegate"`
	Fields   []FieldSpec `yaml:"fields"`
}

type ExtensionSpec struct {
	Model  string      `yaml:"model"`
	Fields []FieldSpec `yaml:"fields"`
}

type FieldSpec struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Target   string   `yaml:"target"`
	Inverse  string   `yaml:"inverse"`
	Relation string   `yaml:"relation"`
	Required bool     `yaml:"required"`
	Readonly bool     `yaml:"readonly"`
	Default  any      `yaml:"default"`
	Computed bool     `yaml:"computed"`
	Stored   bool     `yaml:"stored"`
	Depends  []string `yaml:"depends"`
	OnDelete string   `yaml:"on_delete"`
}

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schema-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var bundlePath string
	fs.StringVar(&bundlePath, "bundle", "schema/models.yaml", "path to model bundle yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := run(bundlePath); err != nil {
		if _, writeErr := fmt.Fprintf(stderr, "Schema validation failed: %v\n", err); writeErr != nil {
			return 1
		}
		return 1
	}
	if _, writeErr := fmt.Fprintln(stdout, "Schema validation passed."); writeErr != nil {
		return 1
	}
	return 0
}

// validatePath rejects absolute and path-traversing bundle references.
func validatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute path not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("path escapes repository: %s", p)
	}
	return clean, nil
}

func run(bundlePath string) error {
	clean, err := validatePath(bundlePath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return err
	}
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if len(bundle.Models) == 0 {
		return fmt.Errorf("bundle defines no models")
	}

	reg := schema.NewRegistry()
	for _, spec := range bundle.Models {
		def, err := toDef(spec)
		if err != nil {
			return err
		}
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	for _, ext := range bundle.Extensions {
		fields, err := toFields(ext.Model, ext.Fields)
		if err != nil {
			return err
		}
		if err := reg.Extend(ext.Model, fields...); err != nil {
			return err
		}
	}
	return reg.Finalize()
}

func toDef(spec ModelSpec) (schema.Def, error) {
	if spec.Name == "" {
		return schema.Def{}, fmt.Errorf("model without a name")
	}
	fields, err := toFields(spec.Name, spec.Fields)
	if err != nil {
		return schema.Def{}, err
	}
	return schema.Def{
		Name:     spec.Name,
		Label:    spec.Label,
		Order:    spec.Order,
		Delegate: spec.Delegate,
		Fields:   fields,
	}, nil
}

func toFields(model string, specs []FieldSpec) ([]schema.Field, error) {
	fields := make([]schema.Field, 0, len(specs))
	for _, spec := range specs {
		kind, ok := schema.ParseKind(spec.Kind)
		if !ok {
			return nil, fmt.Errorf("model %s field %s: unknown kind %q", model, spec.Name, spec.Kind)
		}
		cascade, err := parseCascade(spec.OnDelete)
		if err != nil {
			return nil, fmt.Errorf("model %s field %s: %w", model, spec.Name, err)
		}
		fields = append(fields, schema.Field{
			Name:     spec.Name,
			Kind:     kind,
			Target:   spec.Target,
			Inverse:  spec.Inverse,
			Relation: spec.Relation,
			Required: spec.Required,
			Readonly: spec.Readonly,
			Default:  spec.Default,
			Computed: spec.Computed,
			Stored:   spec.Stored,
			Depends:  spec.Depends,
			OnDelete: cascade,
		})
	}
	return fields, nil
}

func parseCascade(s string) (schema.Cascade, error) {
	switch s {
	case "", "restrict":
		return schema.CascadeRestrict, nil
	case "cascade":
		return schema.CascadeDelete, nil
	case "set_null":
		return schema.CascadeSetNull, nil
	default:
		return schema.CascadeRestrict, fmt.Errorf("unknown on_delete policy %q", s)
	}
}
