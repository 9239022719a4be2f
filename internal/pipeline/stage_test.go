package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"deckplane/internal/runtime"
)

func TestDefaultTemplate_Build(t *testing.T) {
	specs, err := DefaultTemplate().Build("run-1", "Acme", Defaults{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(specs) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(specs))
	}

	for i, s := range specs {
		if s.Index != i+1 {
			t.Errorf("stage %d has index %d", i+1, s.Index)
		}
		if s.Timeout != DefaultStageTimeout || s.Retries != DefaultRetries || s.RetryDelay != DefaultRetryDelay {
			t.Errorf("stage %s: defaults not applied: %+v", s.Name, s)
		}
	}

	if specs[0].StartMessage != "🔄 Stage 1/5: parsing listings..." {
		t.Errorf("unexpected start message %q", specs[0].StartMessage)
	}
	if v, _ := specs[0].Env.Get("INPUT_PATH"); v != "/app/data/table/links.txt" {
		t.Errorf("unexpected parser input %q", v)
	}
	if v, _ := specs[1].Env.Get("COLUMN_NAME"); v != "Описание" {
		t.Errorf("unexpected rewriter column %q", v)
	}
	if v, _ := specs[3].Env.Get("TEMPLATE_PATH"); !strings.HasSuffix(v, ".pptx") {
		t.Errorf("unexpected presentation template %q", v)
	}
	if v, _ := specs[4].Env.Get("CLIENT_NAME"); v != "Acme" {
		t.Errorf("expected client name to be substituted, got %q", v)
	}
}

func TestDefaultTemplate_RequiresClientName(t *testing.T) {
	_, err := DefaultTemplate().Build("run-1", "", Defaults{})
	if err == nil {
		t.Fatal("expected missing client name to fail")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Kind != KindInvalidStage || se.Stage != 5 {
		t.Errorf("expected invalid stage 5, got %v", err)
	}
}

func TestBuild_DefaultsOverriddenPerStage(t *testing.T) {
	tmpl := Template{Stages: []StageTemplate{
		{Name: "a", Image: "img-a", Timeout: time.Minute, Retries: 1},
		{Name: "b", Image: "img-b", MemoryBytes: 512, Ports: []PortTemplate{{Container: 8080, Host: 18080}}},
	}}
	specs, err := tmpl.Build("run", "client", Defaults{Timeout: 10 * time.Second, Retries: 5, RetryDelay: -1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if specs[0].Timeout != time.Minute || specs[0].Retries != 1 {
		t.Errorf("per-stage policy not kept: %+v", specs[0])
	}
	if specs[1].Timeout != 10*time.Second || specs[1].Retries != 5 || specs[1].RetryDelay != 0 {
		t.Errorf("defaults not applied: %+v", specs[1])
	}
	if specs[1].Resources.MemoryBytes != 512 {
		t.Errorf("memory limit not kept: %+v", specs[1].Resources)
	}
	want := []runtime.PortBinding{{ContainerPort: 8080, HostPort: 18080}}
	if !reflect.DeepEqual(specs[1].Ports, want) {
		t.Errorf("expected ports %v, got %v", want, specs[1].Ports)
	}
}

func TestTemplate_Validate(t *testing.T) {
	tests := []struct {
		name string
		tmpl Template
	}{
		{"empty", Template{}},
		{"no name", Template{Stages: []StageTemplate{{Image: "x"}}}},
		{"no image", Template{Stages: []StageTemplate{{Name: "x"}}}},
		{"duplicate", Template{Stages: []StageTemplate{{Name: "x", Image: "a"}, {Name: "x", Image: "b"}}}},
		{"negative retries", Template{Stages: []StageTemplate{{Name: "x", Image: "a", Retries: -1}}}},
		{"bad port", Template{Stages: []StageTemplate{{Name: "x", Image: "a", Ports: []PortTemplate{{Container: 70000}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.tmpl.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	content := `
stages:
  - name: parse
    image: registry.local/parser:2
    command: ["python", "main.py"]
    env:
      OUTPUT_PATH: /app/data/table/data.csv
      INPUT_PATH: /app/data/table/links.txt
      CLIENT: ${CLIENT_NAME}
    required_env: [INPUT_PATH, CLIENT]
    start_message: "Stage ${STAGE}/${TOTAL}"
    end_message: done
    timeout: 90s
    retries: 2
    retry_delay: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tmpl, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("LoadTemplate failed: %v", err)
	}
	specs, err := tmpl.Build("run", "Acme", Defaults{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	s := specs[0]
	wantEnv := []string{
		"OUTPUT_PATH=/app/data/table/data.csv",
		"INPUT_PATH=/app/data/table/links.txt",
		"CLIENT=Acme",
	}
	if !reflect.DeepEqual(s.Env.Pairs(), wantEnv) {
		t.Errorf("expected env in document order %v, got %v", wantEnv, s.Env.Pairs())
	}
	if s.Timeout != 90*time.Second || s.Retries != 2 || s.RetryDelay != 5*time.Second {
		t.Errorf("unexpected policy %+v", s)
	}
	if s.StartMessage != "Stage 1/1" {
		t.Errorf("unexpected start message %q", s.StartMessage)
	}
	if !reflect.DeepEqual(s.Command, []string{"python", "main.py"}) {
		t.Errorf("unexpected command %v", s.Command)
	}
}

func TestLoadTemplate_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	content := "stages:\n  - name: a\n    image: b\n    restart: always\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTemplate(path); err == nil {
		t.Error("expected unknown field to be rejected")
	}
}

func TestLoadTemplate_MissingFile(t *testing.T) {
	if _, err := LoadTemplate(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestBuild_ExpandsDataDir(t *testing.T) {
	tmpl := Template{Stages: []StageTemplate{{
		Name:         "parse",
		Image:        "registry.local/parser:2",
		Env:          Env{{Key: "OUTPUT_PATH", Value: "${DATA_DIR}/table/data.csv"}, {Key: "INPUT_PATH", Value: "${DATA_DIR}/table/links.txt"}},
		RequiredEnv:  []string{"INPUT_PATH"},
		StartMessage: "Reading ${DATA_DIR}",
	}}}

	specs, err := tmpl.Build("run", "Acme", Defaults{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []string{
		"OUTPUT_PATH=" + runtime.ContainerDataDir + "/table/data.csv",
		"INPUT_PATH=" + runtime.ContainerDataDir + "/table/links.txt",
	}
	if got := specs[0].Env.Pairs(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v in template order, got %v", want, got)
	}
	if specs[0].StartMessage != "Reading "+runtime.ContainerDataDir {
		t.Errorf("unexpected start message %q", specs[0].StartMessage)
	}
}
