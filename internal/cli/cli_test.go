package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/geoimport/internal/parsers"
	"github.com/JonMunkholm/geoimport/internal/status"
	"github.com/JonMunkholm/geoimport/internal/store/memory"
)

// memoryEnv points the configuration at the in-memory store and a
// temporary media directory.
func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MEDIA_ROOT", t.TempDir())
	t.Setenv("S3_BUCKET", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LANGUAGES", "fr,en")
	t.Setenv("DEFAULT_LANGUAGE", "fr")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FILE", "")
}

// execute runs the root command with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	verbosity, taskID = 1, ""
	importProvider, importStructure, importReport = "", "", "text"
	importCreate = false
	aggregateReport = "text"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := Execute(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// ----------------------------------------------------------------------------
// parsers
// ----------------------------------------------------------------------------

func TestParsersCommand(t *testing.T) {
	out, err := execute(t, "parsers")
	if err != nil {
		t.Fatalf("parsers error = %v", err)
	}
	for _, want := range []string{"NAME", "biodiv", "geotrek.trek", "organism.xml", "sensitivity.regulatory_shape"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// ----------------------------------------------------------------------------
// import
// ----------------------------------------------------------------------------

func TestImportCommand_CSV(t *testing.T) {
	memoryEnv(t)
	path := writeFile(t, "organisms.csv", "nom\nComité\nOffice du tourisme\n")

	out, err := execute(t, "import", "organism", path)
	if err != nil {
		t.Fatalf("import error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "2/2 lines imported.") {
		t.Errorf("output = %q", out)
	}

	mem, ok := store.(*memory.Store)
	if !ok {
		t.Fatalf("store = %T, want the memory store", store)
	}
	if n := len(mem.List(parsers.ModelOrganism)); n != 2 {
		t.Errorf("got %d organisms, want 2", n)
	}
}

func TestImportCommand_JSONReport(t *testing.T) {
	memoryEnv(t)
	path := writeFile(t, "organisms.csv", "nom\nComité\n")

	out, err := execute(t, "import", "organism", path, "--report", "json", "--verbosity", "0")
	if err != nil {
		t.Fatalf("import error = %v", err)
	}
	var report struct {
		Model   string `json:"model"`
		Created int    `json:"created"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.Model != parsers.ModelOrganism || report.Created != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestImportCommand_Errors(t *testing.T) {
	memoryEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown parser", []string{"import", "spaceship"}, "spaceship"},
		{"missing file argument", []string{"import", "organism"}, "needs a file or URL"},
		{"missing file", []string{"import", "organism", "/does/not/exist.csv"}, "exist.csv"},
		{"bad report format", []string{"import", "organism", "x.csv", "--report", "pdf"}, "pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "bad report format" {
				tt.args[2] = writeFile(t, "x.csv", "nom\nA\n")
			}
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestImportCommand_InvalidConfig(t *testing.T) {
	memoryEnv(t)
	t.Setenv("STORE_BACKEND", "cassandra")

	_, err := execute(t, "import", "organism", "x.csv")
	if err == nil || !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Errorf("error = %v, want a configuration error", err)
	}
}

func TestImportCommand_PublishesTaskStatus(t *testing.T) {
	memoryEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	path := writeFile(t, "organisms.csv", "nom\nComité\n")

	if _, err := execute(t, "import", "organism", path, "--task-id", "task-1"); err != nil {
		t.Fatalf("import error = %v", err)
	}

	key := status.KeyPrefix + "task-1"
	if got := mr.HGet(key, "state"); got != "done" {
		t.Errorf("state = %q, want done", got)
	}
	if got := mr.HGet(key, "report"); !strings.Contains(got, "1/1 lines imported.") {
		t.Errorf("report = %q", got)
	}
}

// ----------------------------------------------------------------------------
// aggregate
// ----------------------------------------------------------------------------

func TestAggregateCommand(t *testing.T) {
	memoryEnv(t)

	r := chi.NewRouter()
	r.Get("/api/v2/{endpoint}/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": 0, "next": null, "results": []}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	path := writeFile(t, "aggregator.yml", `
PNX:
  url: "`+srv.URL+`"
  data_to_import: [InformationDesk]
EMPTY:
  data_to_import: [Trek]
`)

	out, err := execute(t, "aggregate", path)
	if err != nil {
		t.Fatalf("aggregate error = %v\n%s", err, out)
	}
	for _, want := range []string{"EMPTY has no url", "0/0 lines imported."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAggregateCommand_MissingDocument(t *testing.T) {
	memoryEnv(t)

	_, err := execute(t, "aggregate", "nowhere.yml")
	if err == nil || !strings.Contains(err.Error(), "File does not exists at: nowhere.yml") {
		t.Errorf("error = %v", err)
	}
}

// ----------------------------------------------------------------------------
// serve
// ----------------------------------------------------------------------------

func TestServe_LaunchAndPoll(t *testing.T) {
	memoryEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("SERVER_UPLOAD_DIR", t.TempDir())
	verbosity, taskID = 1, ""

	if err := setup(context.Background()); err != nil {
		t.Fatalf("setup error = %v", err)
	}
	t.Cleanup(teardown)

	srv := newServer()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "organisms.csv")
	_, _ = fw.Write([]byte("nom\nComité\nOffice du tourisme\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports/organism", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("launch status = %d: %s", rec.Code, rec.Body.String())
	}
	var launched struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &launched); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for mr.HGet(status.KeyPrefix+launched.TaskID, "state") != "done" {
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not finish", launched.TaskID)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+launched.TaskID+"/report?format=text", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "2/2 lines imported.") {
		t.Errorf("report status = %d body = %q", rec.Code, rec.Body.String())
	}
	if n := len(store.(*memory.Store).List(parsers.ModelOrganism)); n != 2 {
		t.Errorf("got %d organisms, want 2", n)
	}
}
