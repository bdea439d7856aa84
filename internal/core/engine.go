package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/geoimport/internal/logging"
)

// Options tunes one engine run.
type Options struct {
	// Verbosity gates progress lines: 2 and above print one line per row.
	Verbosity int
	// Progress receives the textual progress lines.
	Progress io.Writer
	// OnProgress is called before each row and after the last one.
	OnProgress ProgressCallback
	// Attachments resolves attachment fields, nil skips them.
	Attachments *AttachmentResolver
	// TaskID tags the report for background status stores.
	TaskID string
	Logger *slog.Logger
}

// Engine runs one import: rows are mapped and persisted one transaction
// at a time, then stale entities of the same provider are deleted.
// An Engine is not safe for concurrent use.
type Engine struct {
	cfg    ImportConfig
	store  Store
	mapper *FieldMapper
	opts   Options
	base   *slog.Logger
	logger *slog.Logger

	state  State
	runID  string
	seen   map[int64]struct{}
	source string
}

// NewEngine validates cfg and returns an idle engine.
func NewEngine(cfg *ImportConfig, store Store, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, &ConfigError{Msg: "missing import configuration"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ConfigError{Msg: "missing store"}
	}

	e := &Engine{
		cfg:   *cfg,
		store: store,
		opts:  opts,
		state: StateIdle,
	}
	e.mapper = NewFieldMapper(&e.cfg)
	e.base = opts.Logger
	if e.base == nil {
		e.base = slog.Default()
	}
	e.logger = e.base
	return e, nil
}

// State returns the current lifecycle stage.
func (e *Engine) State() State {
	return e.state
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() *ImportConfig {
	return &e.cfg
}

// Run imports every row of src. The returned report is never nil. A
// non-nil error means the run failed as a whole: setup errors abort before
// any row, a source failing mid-stream stops the run and skips deletion.
func (e *Engine) Run(ctx context.Context, src Source) (*Report, error) {
	e.runID = uuid.NewString()
	ctx = logging.WithRunID(ctx, e.runID)
	e.seen = make(map[int64]struct{})
	e.source = src.Describe()
	e.state = StateRunning
	e.logger = e.base.With("run_id", e.runID, "model", e.cfg.Model, "source", e.source)

	report := NewReport(e.cfg.Model, e.source)
	report.RunID = e.runID
	report.TaskID = e.opts.TaskID
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	e.logger.Info("import started", "provider", e.cfg.Provider)

	if e.opts.Attachments != nil && e.cfg.Attachments != nil {
		if err := e.opts.Attachments.Prepare(ctx, e.store); err != nil {
			return e.fail(report, err)
		}
	}

	cur, err := src.Open(ctx)
	if err != nil {
		return e.fail(report, err)
	}
	defer cur.Close()

	line := 0
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return e.fail(report, &GlobalImportError{Msg: fmt.Sprintf("Import interrupted: %v", err)})
		}
		e.progress(line, cur.Total())
		report.Add(e.importRow(ctx, line+1, cur.Row()))
		line++
	}
	if err := cur.Err(); err != nil {
		report.Total = line
		var global *GlobalImportError
		if !errors.As(err, &global) {
			err = &GlobalImportError{Msg: err.Error()}
		}
		return e.fail(report, err)
	}
	report.Total = line
	e.progress(line, line)

	switch {
	case e.cfg.Delete && e.cfg.EIDField == "":
		e.logger.Warn("delete requested without eid field, nothing to reconcile")
	case e.cfg.Delete:
		e.state = StateDeleting
		n, err := e.deleteStale(ctx)
		if err != nil {
			report.Warn(fmt.Sprintf("Unable to delete stale %s entities: %v", e.cfg.Model, err))
			e.logger.Error("delete pass failed", "error", err)
		}
		report.Deleted = n
		report.DeletionRan = err == nil
	}

	if e.opts.Attachments != nil {
		report.Attachments = e.opts.Attachments.Stats()
	}
	e.state = StateDone
	e.logger.Info("import finished",
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"deleted", report.Deleted,
	)
	return report, nil
}

func (e *Engine) fail(report *Report, err error) (*Report, error) {
	e.state = StateFailed
	report.Error = err.Error()
	e.logger.Error("import failed", "error", err)
	return report, err
}

// importRow maps and persists one row inside its own transaction.
// Every failure is converted to an outcome.
func (e *Engine) importRow(ctx context.Context, line int, raw *Row) Outcome {
	e.state = StateMapping
	out := Outcome{Line: line}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		out.Kind, out.Reason = Failed, fmt.Sprintf("begin transaction: %v", err)
		return out
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := e.mapper.NormalizeRow(raw)
	fc := &FilterContext{
		Tx:     tx,
		Config: &e.cfg,
		Row:    row,
		Scope:  e.cfg.Structure,
		logger: e.logger.With("line", line),
	}
	failed := func(err error) Outcome {
		out.Warnings = fc.Warnings()
		if errors.Is(err, ErrSkipRow) {
			out.Kind, out.Reason = Skipped, strings.TrimPrefix(err.Error(), ErrSkipRow.Error()+": ")
			if out.Reason == ErrSkipRow.Error() {
				out.Reason = ""
			}
			return out
		}
		out.Kind, out.Reason = Failed, err.Error()
		if !IsRowError(err) {
			e.logger.Error("row failed", "line", line, "error", err)
		}
		return out
	}

	entity, pre, err := e.resolveEntity(ctx, fc, row)
	if err != nil {
		return failed(err)
	}
	out.EID = entity.EID
	fc.Entity = entity
	created := entity.ID == 0
	if !created {
		// Still listed upstream, keep it out of the delete pass even if the row fails.
		e.seen[entity.ID] = struct{}{}
	}

	changed, err := e.mapper.Apply(ctx, fc, row, entity, pre)
	if err != nil {
		return failed(err)
	}
	if entity.Deleted {
		entity.Deleted = false
		changed = true
	}

	e.state = StatePersisting
	switch {
	case created:
		if err := tx.Create(ctx, entity); err != nil {
			return failed(fmt.Errorf("create %s: %w", e.cfg.Model, err))
		}
		out.Kind = Created
	case changed:
		if err := tx.Update(ctx, entity); err != nil {
			return failed(fmt.Errorf("update %s #%d: %w", e.cfg.Model, entity.ID, err))
		}
		out.Kind = Updated
	default:
		out.Kind = Unchanged
	}

	if e.opts.Attachments != nil && e.cfg.Attachments != nil {
		descs, err := e.attachmentDescriptors(ctx, fc, row)
		if err != nil {
			return failed(err)
		}
		msgs, err := e.opts.Attachments.Sync(ctx, tx, entity, descs, e.cfg.Attachments.DeleteMissing)
		if err != nil {
			return failed(err)
		}
		for _, msg := range msgs {
			fc.warnings = append(fc.warnings, msg)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return failed(fmt.Errorf("commit: %w", err))
	}
	committed = true

	e.seen[entity.ID] = struct{}{}
	out.EntityID = entity.ID
	out.Warnings = fc.Warnings()
	return out
}

// resolveEntity finds the entity matching the row's external id under the
// run provider, or prepares a new one. Rows without eid always create.
func (e *Engine) resolveEntity(ctx context.Context, fc *FilterContext, row *Row) (*Entity, map[string]any, error) {
	pre := make(map[string]any, 1)
	var eid string

	if e.cfg.EIDField != "" {
		spec, _ := e.cfg.field(e.cfg.EIDField)
		val, err := e.mapper.Value(ctx, fc, spec, row)
		if err != nil {
			return nil, nil, err
		}
		pre[spec.Dest] = val
		eid = eidString(val, e.cfg.DefaultLanguage)

		if eid != "" {
			found, err := fc.Tx.FindByEID(ctx, e.cfg.Model, eid, e.cfg.Provider)
			switch {
			case err == nil:
				return found.Clone(), pre, nil
			case !errors.Is(err, ErrNotFound):
				return nil, nil, fmt.Errorf("lookup %s eid %q: %w", e.cfg.Model, eid, err)
			}
		}
	}

	entity := &Entity{
		Model:    e.cfg.Model,
		EID:      eid,
		Provider: e.cfg.Provider,
		Fields:   make(map[string]any),
	}
	if e.cfg.Scoped {
		entity.Structure = e.cfg.Structure
	}
	return entity, pre, nil
}

// eidString keys translated eids on their default language value.
func eidString(val any, lang string) string {
	if perLang, ok := val.(map[string]any); ok {
		val = perLang[lang]
	}
	return strings.TrimSpace(Stringify(val))
}

func (e *Engine) attachmentDescriptors(ctx context.Context, fc *FilterContext, row *Row) ([]AttachmentDescriptor, error) {
	field := e.cfg.Attachments
	fc.Dest = "attachments"
	fc.Source = e.cfg.normalize(field.Source)
	fc.missing = false

	val, err := e.mapper.column(fc, row, field.Source)
	if err != nil {
		return nil, err
	}
	if field.Filter != nil {
		return field.Filter(ctx, fc, val)
	}
	return SplitAttachmentURLs(val, field.Separator), nil
}

// SkipRow returns an error that marks the current row as skipped.
func SkipRow(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipRow, reason)
}

// SplitAttachmentURLs is the default attachment filter: the value lists
// URLs separated by sep (comma when empty).
func SplitAttachmentURLs(val any, sep string) []AttachmentDescriptor {
	if sep == "" {
		sep = ","
	}
	var urls []string
	switch t := val.(type) {
	case []any:
		for _, item := range t {
			urls = append(urls, Stringify(item))
		}
	default:
		urls = strings.Split(Stringify(val), sep)
	}

	descs := make([]AttachmentDescriptor, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			descs = append(descs, AttachmentDescriptor{URL: u})
		}
	}
	return descs
}

// deleteStale removes entities of this provider that carry an eid and
// were not seen during the run, in a transaction of its own.
func (e *Engine) deleteStale(ctx context.Context) (int64, error) {
	keep := make([]int64, 0, len(e.seen))
	for id := range e.seen {
		keep = append(keep, id)
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i] < keep[j] })

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	scope := DeleteScope{
		Model:    e.cfg.Model,
		Provider: e.cfg.Provider,
		Keep:     keep,
		Hard:     e.cfg.DeletePolicy == DeleteHard,
	}

	// A hard delete cascades to the attachment rows; their files go once
	// the rows are gone for good.
	var orphans []*Attachment
	if scope.Hard && e.opts.Attachments != nil {
		orphans, err = tx.StaleAttachments(ctx, scope)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("list stale attachments: %w", err)
		}
	}

	n, err := tx.DeleteStale(ctx, scope)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if len(orphans) > 0 {
		e.opts.Attachments.Purge(ctx, orphans)
	}
	return n, nil
}

// progress emits the "0000: Model (source) (NN%)" line and the callback.
func (e *Engine) progress(line, total int) {
	p := Progress{
		RunID:  e.runID,
		Model:  e.cfg.Model,
		Source: e.source,
		State:  e.state,
		Line:   line,
		Total:  total,
	}
	if e.opts.Verbosity >= 2 && e.opts.Progress != nil {
		fmt.Fprintf(e.opts.Progress, "%04d: %s (%s) (%02d%%)\n", line, e.cfg.Model, e.source, p.Percent())
	}
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(p)
	}
}
