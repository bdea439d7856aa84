package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Multipart parts above this size are spooled to disk by net/http.
const maxMemory = 32 << 20

type parserInfo struct {
	Name         string `json:"name"`
	Label        string `json:"label,omitempty"`
	Model        string `json:"model"`
	NeedsOrigin  bool   `json:"needs_origin"`
	Aggregatable bool   `json:"aggregatable"`
}

type launchResponse struct {
	TaskID    string `json:"task_id"`
	Parser    string `json:"parser"`
	StatusURL string `json:"status_url"`
}

type taskResponse struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Model   string    `json:"model"`
	Source  string    `json:"source"`
	Line    int       `json:"line"`
	Total   int       `json:"total"`
	Percent int       `json:"percent"`
	Error   string    `json:"error,omitempty"`
	Updated time.Time `json:"updated"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"imports": s.limiter.Status(),
	})
}

func (s *Server) handleListParsers(w http.ResponseWriter, r *http.Request) {
	defs := core.All()
	out := make([]parserInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, parserInfo{
			Name:         def.Name,
			Label:        def.Label,
			Model:        def.Model,
			NeedsOrigin:  def.NeedsOrigin,
			Aggregatable: def.Aggregatable,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLaunch starts an import in the background. The source is either
// uploaded as one or more "file" parts (a shapefile with its sidecars)
// or named by the "url" field.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	def, err := core.Lookup(chi.URLParam(r, "parser"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.respondError(w, r, &core.ConfigError{Msg: "invalid import form", Err: err})
		return
	}

	opts := core.BuildOptions{
		Origin:           strings.TrimSpace(r.FormValue("url")),
		Provider:         r.FormValue("provider"),
		Structure:        r.FormValue("structure"),
		CreateReferences: formBool(r.FormValue("create")),
	}
	if v := r.FormValue("delete"); v != "" {
		del := formBool(v)
		opts.Delete = &del
	}

	origin, cleanup, err := s.saveUploads(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if origin != "" {
		opts.Origin = origin
	}
	if def.NeedsOrigin && opts.Origin == "" {
		cleanup()
		s.respondError(w, r, &core.ConfigError{Msg: fmt.Sprintf("parser %s needs a file or URL to import", def.Name)})
		return
	}

	taskID := uuid.NewString()
	if err := s.limiter.TryAcquire(taskID); err != nil {
		cleanup()
		s.respondError(w, r, err)
		return
	}
	go s.run(taskID, def, opts, cleanup)

	writeJSON(w, http.StatusAccepted, launchResponse{
		TaskID:    taskID,
		Parser:    def.Name,
		StatusURL: "/api/tasks/" + taskID,
	})
}

func (s *Server) run(taskID string, def core.Definition, opts core.BuildOptions, cleanup func()) {
	defer s.limiter.Release(taskID)
	defer cleanup()

	logger := s.logger.With("task", taskID, "parser", def.Name)
	logger.Info("import launched")

	report, err := s.opts.Launch(s.runCtx, taskID, def, opts)
	if err != nil {
		logger.Error("import failed", "error", err)
		return
	}
	if report != nil {
		logger.Info("import done", "summary", report.Summary())
	}
}

// saveUploads writes the uploaded files to a fresh directory and returns
// the path to import: the .shp file when there is one, else the first file.
func (s *Server) saveUploads(r *http.Request) (string, func(), error) {
	noop := func() {}
	if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
		return "", noop, nil
	}

	dir, err := os.MkdirTemp(s.opts.UploadDir, "geoimport-*")
	if err != nil {
		return "", noop, fmt.Errorf("create upload directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	origin := ""
	for i, fh := range r.MultipartForm.File["file"] {
		path, err := saveUpload(dir, fh, i)
		if err != nil {
			cleanup()
			return "", noop, err
		}
		if origin == "" || strings.EqualFold(filepath.Ext(path), ".shp") {
			origin = path
		}
	}
	return origin, cleanup, nil
}

func saveUpload(dir string, fh *multipart.FileHeader, i int) (string, error) {
	name := filepath.Base(filepath.Clean("/" + fh.Filename))
	if name == "/" || name == "." {
		name = "upload-" + strconv.Itoa(i)
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", name, err)
	}
	defer src.Close()

	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("save upload %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("save upload %s: %w", name, err)
	}
	return path, dst.Close()
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		s.respondError(w, r, errStatusDisabled)
		return
	}
	task, err := s.opts.Tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		ID:      task.ID,
		State:   string(task.State),
		Model:   task.Model,
		Source:  task.Source,
		Line:    task.Line,
		Total:   task.Total,
		Percent: task.Percent,
		Error:   task.Error,
		Updated: task.Updated,
	})
}

// handleTaskReport serves the final report of a task, as HTML unless
// ?format= asks for text or json.
func (s *Server) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		s.respondError(w, r, errStatusDisabled)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	task, err := s.opts.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if task.State != core.StateDone && task.State != core.StateFailed {
		s.respondError(w, r, fmt.Errorf("task %s: %w", taskID, errNotFinished))
		return
	}

	var body, contentType string
	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", core.FormatHTML:
		body, contentType = task.HTML, "text/html; charset=utf-8"
	case core.FormatText:
		body, contentType = task.Report, "text/plain; charset=utf-8"
	case core.FormatJSON:
		body, contentType = task.JSON, "application/json"
	default:
		s.respondError(w, r, &core.ReportFormatError{Format: format})
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = io.WriteString(w, body)
}

func formBool(v string) bool {
	b, _ := core.ParseBool(v)
	return b
}
