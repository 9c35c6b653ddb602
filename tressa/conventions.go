package tressa

import (
	"errors"
	"fmt"
	"os"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

// ConstructKind names a structured construct whose completion can be targeted.
type ConstructKind string

const (
	ConstructIf  ConstructKind = "if"
	ConstructFor ConstructKind = "for"
)

// Conventions is the naming grammar and IR label convention table.
type Conventions struct {
	// AssertPrefix marks parameter encoded assert functions, target is the first parameter name.
	AssertPrefix string `yaml:"assert_prefix"`
	// FnPrefix marks class-less legacy assert functions.
	FnPrefix string `yaml:"fn_prefix"`
	// ClassPrefix marks class method assert functions, the first two parameters name the type and method.
	ClassPrefix string `yaml:"class_prefix"`
	// LocalPrefix marks assert functions whose insertion points are encoded in local marker variables.
	LocalPrefix string `yaml:"local_prefix"`
	// MarkerPrefix starts a parameter name carrying an insertion point.
	MarkerPrefix string `yaml:"marker_prefix"`
	// ShadowSuffix is appended to the slot an argument is copied into.
	ShadowSuffix string `yaml:"shadow_suffix"`
	// ReturnSlot is contained in the name of the synthesized return value slot.
	ReturnSlot string `yaml:"return_slot"`
	// TempPrefix is prepended to the names of loaded temporaries.
	TempPrefix string `yaml:"temp_prefix"`
	// Sentinel is the constant passed to mark instrumentation calls.
	Sentinel int64 `yaml:"sentinel"`
	// JoinLabels maps a construct to the label substring of its join block.
	JoinLabels map[ConstructKind]string `yaml:"join_labels"`
}

// DefaultConventions returns the standard naming grammar.
func DefaultConventions() Conventions {
	return Conventions{
		AssertPrefix: "_assertfn_",
		FnPrefix:     "assertfn_fn_",
		ClassPrefix:  "assertfn_class_",
		LocalPrefix:  "assertfn_",
		MarkerPrefix: "_tressa_",
		ShadowSuffix: ".addr",
		ReturnSlot:   "retval",
		TempPrefix:   "_tmp_",
		Sentinel:     1,
		JoinLabels: map[ConstructKind]string{
			ConstructIf:  "if.end",
			ConstructFor: "for.end",
		},
	}
}

// LoadConventions reads a YAML file and overlays the set values on the defaults.
func LoadConventions(path string) (Conventions, error) {
	conv := DefaultConventions()
	data, err := os.ReadFile(path)
	if err != nil {
		return conv, fmt.Errorf("read conventions failed: %w", err)
	}
	var overlay Conventions
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return conv, fmt.Errorf("parse conventions %s failed: %w", path, err)
	}
	labels := overlay.JoinLabels
	overlay.JoinLabels = nil // merged per construct below
	if err := copier.CopyWithOption(&conv, &overlay, copier.Option{IgnoreEmpty: true, DeepCopy: true}); err != nil {
		return conv, fmt.Errorf("merge conventions failed: %w", err)
	}
	for kind, label := range labels {
		conv.JoinLabels[kind] = label
	}
	return conv, conv.Validate()
}

// Clone returns a deep copy so the label table is never shared.
func (c Conventions) Clone() Conventions {
	var out Conventions
	if err := copier.CopyWithOption(&out, &c, copier.Option{DeepCopy: true}); err != nil {
		panic(err) // only possible for mismatched types
	}
	return out
}

// Validate checks that every grammar element is set.
func (c Conventions) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"assert_prefix": c.AssertPrefix,
		"fn_prefix":     c.FnPrefix,
		"class_prefix":  c.ClassPrefix,
		"local_prefix":  c.LocalPrefix,
		"marker_prefix": c.MarkerPrefix,
		"shadow_suffix": c.ShadowSuffix,
		"return_slot":   c.ReturnSlot,
		"temp_prefix":   c.TempPrefix,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("convention %s must not be empty", name))
		}
	}
	for _, kind := range []ConstructKind{ConstructIf, ConstructFor} {
		if c.JoinLabels[kind] == "" {
			errs = append(errs, fmt.Errorf("join label for %s must not be empty", kind))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// JoinLabel returns the join block label substring for a construct.
func (c Conventions) JoinLabel(kind ConstructKind) string {
	return c.JoinLabels[kind]
}
