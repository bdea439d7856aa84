// Package aggregator runs the imports declared by an aggregate document:
// for every source, one engine run per declared model, one after the other
// so that later imports can reference entities created by earlier ones.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Options configures an Orchestrator.
type Options struct {
	Store core.Store
	HTTP  core.Doer

	// Attachments returns a fresh resolver for each run, nil skips attachments.
	Attachments func() *core.AttachmentResolver

	Languages       []string
	DefaultLanguage string
	PageSize        int
	Structure       string

	// DynamicSegmentation disables models that need linear geometries.
	DynamicSegmentation bool

	Verbosity  int
	Progress   io.Writer
	OnProgress core.ProgressCallback
	TaskID     string
	Logger     *slog.Logger
}

// Result gathers the reports of an aggregate run and the messages of the
// imports that were skipped.
type Result struct {
	Reports  core.Reports `json:"reports"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Render renders warnings followed by every report.
func (r *Result) Render(ctx context.Context, format string) (string, error) {
	if strings.ToLower(format) == core.FormatJSON {
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json result: %w", err)
		}
		return string(b), nil
	}

	out, err := r.Reports.Render(ctx, format)
	if err != nil {
		return "", err
	}
	if len(r.Warnings) == 0 {
		return out, nil
	}
	return strings.Join(r.Warnings, "\n") + "\n" + out, nil
}

// Orchestrator runs aggregate documents.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{opts: opts, logger: logger}
}

// Run imports every declared (source, model) pair in declaration order.
// A failing import is recorded in its report and the next one proceeds;
// only an invalid parser configuration aborts the whole run.
func (o *Orchestrator) Run(ctx context.Context, doc *Document) (*Result, error) {
	if o.opts.Store == nil {
		return nil, &core.ConfigError{Msg: "aggregator needs a store"}
	}

	res := &Result{}
	for _, src := range doc.Sources {
		if src.URL == "" {
			o.warn(res, "%s has no url", src.Name)
			continue
		}
		if unused, models := unmappedFields(src); len(unused) > 0 {
			o.warn(res, "%s: %s is not configured as a category of any of %s",
				src.Name, strings.Join(unused, ", "), strings.Join(models, ", "))
		}

		for _, model := range src.DataToImport {
			if err := ctx.Err(); err != nil {
				return res, &core.GlobalImportError{Msg: fmt.Sprintf("Import interrupted: %v", err)}
			}

			def, ok := core.ForModel(model)
			if !ok {
				o.warn(res, "%s: model %s can't be aggregated", src.Name, model)
				continue
			}
			if def.LinearOnly && o.opts.DynamicSegmentation {
				o.warn(res, "%ss can't be imported with dynamic segmentation", model)
				continue
			}

			report, err := o.runOne(ctx, src, def)
			if report != nil {
				res.Reports = append(res.Reports, report)
			}
			if err != nil {
				if isConfig(err) {
					return res, err
				}
				o.logger.Error("aggregated import failed", "source", src.Name, "model", model, "error", err)
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) runOne(ctx context.Context, src Source, def core.Definition) (*core.Report, error) {
	cfg, rows, err := def.Build(core.BuildOptions{
		SourceName:       src.Name,
		URL:              src.URL,
		Username:         src.Username,
		Password:         src.Password,
		APIKey:           src.APIKey,
		PageSize:         o.opts.PageSize,
		Portals:          src.Portals,
		HTTP:             o.opts.HTTP,
		Provider:         src.Provider,
		Structure:        o.opts.Structure,
		Languages:        o.opts.Languages,
		DefaultLanguage:  o.opts.DefaultLanguage,
		Mapping:          mappingFor(def, src.Mapping),
		CreateReferences: src.Create,
		Delete:           src.Delete,
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", src.Name, def.Model, err)
	}

	engOpts := core.Options{
		Verbosity:  o.opts.Verbosity,
		Progress:   o.opts.Progress,
		OnProgress: o.opts.OnProgress,
		TaskID:     o.opts.TaskID,
		Logger:     o.logger.With("aggregate_source", src.Name),
	}
	if o.opts.Attachments != nil {
		engOpts.Attachments = o.opts.Attachments()
	}

	eng, err := core.NewEngine(cfg, o.opts.Store, engOpts)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", src.Name, def.Model, err)
	}
	return eng.Run(ctx, rows)
}

// mappingFor keeps the mapping entries the definition accepts.
func mappingFor(def core.Definition, mapping map[string]map[string]string) map[string]map[string]string {
	if len(mapping) == 0 {
		return nil
	}
	out := make(map[string]map[string]string)
	for _, field := range def.MappableFields {
		if m, ok := mapping[field]; ok {
			out[field] = m
		}
	}
	return out
}

// unmappedFields returns the mapping keys no declared model accepts, with
// the models that were checked.
func unmappedFields(src Source) (unused, models []string) {
	if len(src.Mapping) == 0 {
		return nil, nil
	}
	accepted := make(map[string]bool)
	for _, model := range src.DataToImport {
		def, ok := core.ForModel(model)
		if !ok {
			continue
		}
		models = append(models, def.Model)
		for _, field := range def.MappableFields {
			accepted[field] = true
		}
	}
	for field := range src.Mapping {
		if !accepted[field] {
			unused = append(unused, field)
		}
	}
	sort.Strings(unused)
	return unused, models
}

func (o *Orchestrator) warn(res *Result, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	res.Warnings = append(res.Warnings, msg)
	o.logger.Warn(msg)
	if o.opts.Verbosity >= 1 && o.opts.Progress != nil {
		fmt.Fprintln(o.opts.Progress, msg)
	}
}

func isConfig(err error) bool {
	var cfgErr *core.ConfigError
	return errors.As(err, &cfgErr)
}
