package core

import (
	"context"
	"fmt"
	"strings"
)

// FilterFunc transforms a source value into a destination value.
// Multi-column fields receive a []any in declared source order.
type FilterFunc func(ctx context.Context, fc *FilterContext, value any) (any, error)

// Reference declares a destination field holding the id of another entity,
// resolved through the natural key configured in ImportConfig.NaturalKeys.
type Reference struct {
	Model  string
	Create bool // Create the referenced entity when no match exists
	Many   bool // Value is a list, strings are split on ImportConfig.Separator
	Scoped bool // Referenced model is structure-scoped
}

// FieldSpec maps one destination field.
type FieldSpec struct {
	Dest      string    // Destination field name
	Sources   []string  // Source columns, dotted paths reach into nested objects
	Transform FilterFunc
	Required  bool
	Default   any // Used when the mapped value is empty

	// Mapping translates source values. Unknown values fail unless Partial.
	Mapping map[string]string
	Partial bool

	Reference *Reference
}

// AttachmentDescriptor points at one remote file.
type AttachmentDescriptor struct {
	URL    string
	Legend string
	Author string
	Title  string
}

// AttachmentFilter turns a source value into attachment descriptors.
type AttachmentFilter func(ctx context.Context, fc *FilterContext, value any) ([]AttachmentDescriptor, error)

// AttachmentField declares where a row lists its attachments.
type AttachmentField struct {
	Source    string
	Filter    AttachmentFilter // Defaults to splitting URLs on Separator
	Separator string
	// DeleteMissing removes imported attachments no longer listed by the row.
	DeleteMissing bool
}

// ImportConfig is the resolved configuration of one import run.
// It is built once by a parser definition and read-only afterwards.
type ImportConfig struct {
	Model    string
	Label    string
	EIDField string // Destination field used as external id, empty for none

	Fields         []FieldSpec
	ConstantFields map[string]any
	Attachments    *AttachmentField

	// NaturalKeys maps a reference field to the lookup field of its model.
	NaturalKeys map[string]string

	TranslatedFields          []string
	Languages                 []string
	DefaultLanguage           string
	FillEmptyTranslatedFields bool

	WarnOnMissingFields bool
	Separator           string

	// NormalizeFieldName is applied to source column names on both sides of
	// the lookup. Defaults to upper case.
	NormalizeFieldName func(string) string

	Provider  string
	Structure string // Scope of the caller, threaded to reference lookups
	Scoped    bool   // Imported entities belong to Structure

	Delete       bool
	DeletePolicy DeletePolicy
}

// NormalizeUpper is the default source name normalization.
func NormalizeUpper(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// NormalizeIdentity keeps source names untouched, used for JSON sources.
func NormalizeIdentity(name string) string {
	return name
}

// Validate checks the configuration before a run starts.
func (c *ImportConfig) Validate() error {
	var errs []string

	if c.Model == "" {
		errs = append(errs, "model is required")
	}
	dests := make(map[string]bool, len(c.Fields))
	for i, f := range c.Fields {
		if f.Dest == "" {
			errs = append(errs, fmt.Sprintf("field #%d has no destination", i))
			continue
		}
		if dests[f.Dest] {
			errs = append(errs, fmt.Sprintf("field %q is declared twice", f.Dest))
		}
		dests[f.Dest] = true
		if len(f.Sources) == 0 {
			errs = append(errs, fmt.Sprintf("field %q has no source column", f.Dest))
		}
		if f.Reference != nil && f.Reference.Model == "" {
			errs = append(errs, fmt.Sprintf("field %q references no model", f.Dest))
		}
	}
	if c.EIDField != "" && !dests[c.EIDField] {
		errs = append(errs, fmt.Sprintf("eid field %q is not mapped", c.EIDField))
	}
	if len(c.TranslatedFields) > 0 {
		if len(c.Languages) == 0 {
			errs = append(errs, "translated fields need at least one language")
		}
		if !contains(c.Languages, c.DefaultLanguage) {
			errs = append(errs, fmt.Sprintf("default language %q is not in %v", c.DefaultLanguage, c.Languages))
		}
	}
	if c.Attachments != nil && c.Attachments.Source == "" {
		errs = append(errs, "attachment field has no source column")
	}

	if len(errs) > 0 {
		return &ConfigError{Msg: fmt.Sprintf("invalid %s import configuration:\n  - %s",
			c.Model, strings.Join(errs, "\n  - "))}
	}
	return nil
}

func (c *ImportConfig) normalize(name string) string {
	if c.NormalizeFieldName == nil {
		return NormalizeUpper(name)
	}
	return c.NormalizeFieldName(name)
}

func (c *ImportConfig) isTranslated(field string) bool {
	return contains(c.TranslatedFields, field)
}

// StorageKey returns the entity field holding dest. Translated fields are
// stored per language, the default language slot stands for the field.
func (c *ImportConfig) StorageKey(dest string) string {
	if c.isTranslated(dest) {
		return dest + "_" + c.DefaultLanguage
	}
	return dest
}

func (c *ImportConfig) separator() string {
	if c.Separator == "" {
		return "+"
	}
	return c.Separator
}

func (c *ImportConfig) field(dest string) (FieldSpec, bool) {
	for _, f := range c.Fields {
		if f.Dest == dest {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
