package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// FilterContext is handed to filters. It exposes the row transaction so a
// filter may look up or create related entities atomically with the row.
type FilterContext struct {
	Tx     Tx
	Config *ImportConfig
	Entity *Entity // Entity being filled, ID is 0 until created
	Row    *Row
	Dest   string // Destination field being mapped
	Source string // Normalized source column name
	Scope  string // Structure of the caller

	warnings []string
	missing  bool // A source column of the current field was absent
	logger   *slog.Logger
}

// Warn records a non-fatal message on the current row.
func (fc *FilterContext) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fc.warnings = append(fc.warnings, msg)
	if fc.logger != nil {
		fc.logger.Warn(msg, "field", fc.Dest)
	}
}

// Warnings returns the messages recorded so far.
func (fc *FilterContext) Warnings() []string {
	return fc.warnings
}

// FieldMapper maps source rows onto entity fields.
type FieldMapper struct {
	cfg *ImportConfig
}

// NewFieldMapper creates a mapper for cfg.
func NewFieldMapper(cfg *ImportConfig) *FieldMapper {
	return &FieldMapper{cfg: cfg}
}

// NormalizeRow returns a copy of row whose top-level column names went
// through the configured normalization.
func (m *FieldMapper) NormalizeRow(row *Row) *Row {
	out := NewRow(row.Len())
	for _, k := range row.Keys() {
		v, _ := row.Get(k)
		out.Set(m.cfg.normalize(k), v)
	}
	return out
}

// Apply maps every declared field and constant onto e. Values already
// computed by the caller (the eid) are passed in pre and not mapped again.
// It reports whether any stored field changed.
func (m *FieldMapper) Apply(ctx context.Context, fc *FilterContext, row *Row, e *Entity, pre map[string]any) (bool, error) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}

	changed := false
	for _, spec := range m.cfg.Fields {
		val, ok := pre[spec.Dest]
		if !ok {
			var err error
			val, err = m.Value(ctx, fc, spec, row)
			if err != nil {
				return false, err
			}
		}
		if m.assign(e, spec.Dest, val) {
			changed = true
		}
	}

	// Constants are applied in a stable order so change detection does not
	// depend on map iteration.
	keys := make([]string, 0, len(m.cfg.ConstantFields))
	for k := range m.cfg.ConstantFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m.assign(e, k, m.cfg.ConstantFields[k]) {
			changed = true
		}
	}

	return changed, nil
}

// Value computes the destination value of one field:
// read source columns, run the transform, apply the mapping table,
// resolve references, then enforce defaults and required-ness.
func (m *FieldMapper) Value(ctx context.Context, fc *FilterContext, spec FieldSpec, row *Row) (any, error) {
	fc.Dest = spec.Dest
	fc.Source = m.cfg.normalize(spec.Sources[0])
	fc.missing = false

	val, err := m.read(fc, spec, row)
	if err != nil {
		return nil, err
	}

	if spec.Reference != nil && spec.Reference.Many {
		val = m.split(val)
	}

	if spec.Transform != nil {
		val, err = spec.Transform(ctx, fc, val)
		if err != nil {
			return nil, err
		}
	}

	if spec.Mapping != nil {
		val, err = m.applyMapping(fc, spec, val)
		if err != nil {
			return nil, err
		}
	}

	if spec.Reference != nil {
		val, err = m.resolveReference(ctx, fc, spec, val)
		if err != nil {
			return nil, err
		}
	}

	if IsEmpty(val) {
		if spec.Default != nil {
			return spec.Default, nil
		}
		if spec.Required && !fc.missing {
			return nil, rowErrorf("Missing value for required field '%s'", spec.Dest)
		}
	}
	return val, nil
}

// read returns the raw value, a []any tuple for multi-column fields.
func (m *FieldMapper) read(fc *FilterContext, spec FieldSpec, row *Row) (any, error) {
	if len(spec.Sources) == 1 {
		return m.column(fc, row, spec.Sources[0])
	}
	tuple := make([]any, len(spec.Sources))
	for i, src := range spec.Sources {
		v, err := m.column(fc, row, src)
		if err != nil {
			return nil, err
		}
		tuple[i] = v
	}
	return tuple, nil
}

func (m *FieldMapper) column(fc *FilterContext, row *Row, src string) (any, error) {
	path := strings.Split(src, ".")
	path[0] = m.cfg.normalize(path[0])

	head, ok := row.Get(path[0])
	if ok {
		var v any
		v, ok = descend(head, path[1:])
		if ok {
			return v, nil
		}
	}

	name := strings.Join(path, ".")
	if m.cfg.WarnOnMissingFields {
		fc.missing = true
		fc.Warn("Missing field '%s'", name)
		return nil, nil
	}
	return nil, rowErrorf("Missing field '%s'", name)
}

// descend follows a dotted path into nested objects. Lists are mapped
// element-wise, a null on the way yields nil.
func descend(v any, path []string) (any, bool) {
	if len(path) == 0 {
		return v, true
	}
	switch t := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		next, ok := t[path[0]]
		if !ok {
			return nil, false
		}
		return descend(next, path[1:])
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if x, ok := descend(item, path); ok {
				out = append(out, x)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func (m *FieldMapper) split(val any) any {
	s, ok := val.(string)
	if !ok {
		return val
	}
	out := make([]any, 0)
	for _, part := range strings.Split(s, m.cfg.separator()) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (m *FieldMapper) applyMapping(fc *FilterContext, spec FieldSpec, val any) (any, error) {
	if list, ok := val.([]any); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			mapped, err := m.mapOne(fc, spec, item)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
		return out, nil
	}
	return m.mapOne(fc, spec, val)
}

func (m *FieldMapper) mapOne(fc *FilterContext, spec FieldSpec, val any) (any, error) {
	key := Stringify(val)
	if mapped, ok := spec.Mapping[key]; ok {
		return mapped, nil
	}

	keys := make([]string, 0, len(spec.Mapping))
	for k := range spec.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if spec.Partial {
		fc.Warn("Bad value '%s' for field %s. Should contain %s", key, fc.Source, quoteList(keys))
		return val, nil
	}
	return nil, valueErrorf("Bad value '%s' for field %s. Should be in %s", key, fc.Source, quoteList(keys))
}

func (m *FieldMapper) resolveReference(ctx context.Context, fc *FilterContext, spec FieldSpec, val any) (any, error) {
	naturalKey, ok := m.cfg.NaturalKeys[spec.Dest]
	if !ok {
		return nil, valueErrorf("Destination field '%s' not in natural keys configuration", spec.Dest)
	}

	if !spec.Reference.Many {
		if IsEmpty(val) {
			return nil, nil
		}
		return m.lookupOrCreate(ctx, fc, spec, naturalKey, Stringify(val))
	}

	list, ok := val.([]any)
	if !ok {
		if IsEmpty(val) {
			return []any{}, nil
		}
		list = []any{val}
	}
	ids := make([]any, 0, len(list))
	for _, item := range list {
		if IsEmpty(item) {
			continue
		}
		id, err := m.lookupOrCreate(ctx, fc, spec, naturalKey, Stringify(item))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// lookupOrCreate resolves one natural key value, preferring an entity of
// the caller's scope over a shared one.
func (m *FieldMapper) lookupOrCreate(ctx context.Context, fc *FilterContext, spec FieldSpec, naturalKey, value string) (int64, error) {
	ref := spec.Reference

	scopes := []string{""}
	if ref.Scoped && fc.Scope != "" {
		scopes = []string{fc.Scope, ""}
	}
	for _, scope := range scopes {
		found, err := fc.Tx.FindByField(ctx, ref.Model, naturalKey, value, scope)
		if err == nil {
			return found.ID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("lookup %s %s=%q: %w", ref.Model, naturalKey, value, err)
		}
	}

	if !ref.Create {
		return 0, valueErrorf("Bad value '%s' for field %s. %s '%s' does not exist", value, fc.Source, ref.Model, value)
	}

	created := &Entity{
		Model:  ref.Model,
		Fields: map[string]any{naturalKey: value},
	}
	if ref.Scoped {
		created.Structure = fc.Scope
	}
	if err := fc.Tx.Create(ctx, created); err != nil {
		return 0, fmt.Errorf("create %s %q: %w", ref.Model, value, err)
	}
	return created.ID, nil
}

// assign stores val under dest and reports whether the entity changed.
func (m *FieldMapper) assign(e *Entity, dest string, val any) bool {
	if m.cfg.isTranslated(dest) {
		return m.assignTranslated(e, dest, val)
	}
	return setField(e, dest, val)
}

// assignTranslated fans a translated value out to its language slots.
// A map keyed by language sets each slot. A scalar sets the default slot
// and, when filling is enabled, every other slot that is still empty.
func (m *FieldMapper) assignTranslated(e *Entity, dest string, val any) bool {
	cfg := m.cfg
	changed := false

	if perLang, ok := val.(map[string]any); ok {
		for _, lang := range cfg.Languages {
			if v, ok := perLang[lang]; ok {
				if setField(e, dest+"_"+lang, v) {
					changed = true
				}
			}
		}
		val = perLang[cfg.DefaultLanguage]
	} else if setField(e, dest+"_"+cfg.DefaultLanguage, val) {
		changed = true
	}

	if !cfg.FillEmptyTranslatedFields || IsEmpty(val) {
		return changed
	}
	for _, lang := range cfg.Languages {
		key := dest + "_" + lang
		if lang == cfg.DefaultLanguage || !IsEmpty(e.Fields[key]) {
			continue
		}
		if setField(e, key, val) {
			changed = true
		}
	}
	return changed
}

func setField(e *Entity, key string, val any) bool {
	old, had := e.Fields[key]
	e.Fields[key] = val
	if !had {
		return !IsEmpty(val)
	}
	return !sameValue(old, val)
}
