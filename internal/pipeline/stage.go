package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"deckplane/internal/runtime"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStageTimeout = 300 * time.Second
	DefaultRetries      = 3
	DefaultRetryDelay   = 20 * time.Second
)

// StageSpec describes one fully rendered stage of a run. It is built once per run
// and must be treated as read-only afterwards.
type StageSpec struct {
	// Index is 1-based.
	Index            int
	Name             string
	Image            string
	Command          []string
	Env              Env
	StartMessage     string
	EndMessage       string
	ExpectedExitCode int
	Timeout          time.Duration
	Retries          int
	RetryDelay       time.Duration
	Resources        runtime.Resources
	Ports            []runtime.PortBinding
}

// StageTemplate is the declarative form of a stage, as read from YAML.
// Env values and messages may reference ${CLIENT_NAME}, ${RUN_ID}, ${STAGE}, ${TOTAL}
// and ${DATA_DIR}, the data directory as mounted inside the container.
type StageTemplate struct {
	Name             string         `yaml:"name"`
	Image            string         `yaml:"image"`
	Command          []string       `yaml:"command,omitempty"`
	Env              Env            `yaml:"env"`
	RequiredEnv      []string       `yaml:"required_env,omitempty"`
	StartMessage     string         `yaml:"start_message"`
	EndMessage       string         `yaml:"end_message"`
	ExpectedExitCode int            `yaml:"expected_exit_code,omitempty"`
	Timeout          time.Duration  `yaml:"timeout,omitempty"`
	Retries          int            `yaml:"retries,omitempty"`
	RetryDelay       time.Duration  `yaml:"retry_delay,omitempty"`
	MemoryBytes      int64          `yaml:"memory_bytes,omitempty"`
	MemorySwapBytes  int64          `yaml:"memory_swap_bytes,omitempty"`
	Ports            []PortTemplate `yaml:"ports,omitempty"`
}

// PortTemplate publishes a container port on the host.
type PortTemplate struct {
	Container int    `yaml:"container"`
	Host      int    `yaml:"host"`
	Protocol  string `yaml:"protocol,omitempty"`
}

// Template is an ordered list of stages.
type Template struct {
	Stages []StageTemplate `yaml:"stages"`
}

// Defaults fill in the per-stage policy a template leaves unset.
type Defaults struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (d Defaults) withFallbacks() Defaults {
	if d.Timeout <= 0 {
		d.Timeout = DefaultStageTimeout
	}
	if d.Retries <= 0 {
		d.Retries = DefaultRetries
	}
	if d.RetryDelay < 0 {
		d.RetryDelay = 0
	} else if d.RetryDelay == 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	return d
}

// Validate checks the template's structure. Env contracts are checked by Build,
// once placeholders are resolved.
func (t Template) Validate() error {
	if len(t.Stages) == 0 {
		return errors.New("template has no stages")
	}
	names := make(map[string]bool, len(t.Stages))
	for i, s := range t.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: name is required", i+1)
		}
		if s.Image == "" {
			return fmt.Errorf("stage %d (%s): image is required", i+1, s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("stage %d: duplicate name %q", i+1, s.Name)
		}
		names[s.Name] = true
		if s.Timeout < 0 || s.Retries < 0 || s.RetryDelay < 0 {
			return fmt.Errorf("stage %d (%s): timeout, retries and retry_delay must not be negative", i+1, s.Name)
		}
		for _, p := range s.Ports {
			if p.Container <= 0 || p.Container > 65535 || p.Host < 0 || p.Host > 65535 {
				return fmt.Errorf("stage %d (%s): invalid port binding %d:%d", i+1, s.Name, p.Host, p.Container)
			}
		}
	}
	return nil
}

// Build renders the template for one run.
func (t Template) Build(runID, clientName string, defaults Defaults) ([]StageSpec, error) {
	if err := t.Validate(); err != nil {
		return nil, &StageError{Kind: KindInvalidStage, Err: err}
	}
	defaults = defaults.withFallbacks()
	total := len(t.Stages)

	specs := make([]StageSpec, 0, total)
	for i, st := range t.Stages {
		vars := map[string]string{
			"CLIENT_NAME": clientName,
			"RUN_ID":      runID,
			"STAGE":       strconv.Itoa(i + 1),
			"TOTAL":       strconv.Itoa(total),
			"DATA_DIR":    runtime.ContainerDataDir,
		}
		lookup := func(name string) string { return vars[name] }

		env := st.Env.Expand(vars)
		if err := env.Validate(st.RequiredEnv); err != nil {
			return nil, &StageError{Kind: KindInvalidStage, Stage: i + 1, StageName: st.Name, Err: err}
		}

		spec := StageSpec{
			Index:            i + 1,
			Name:             st.Name,
			Image:            st.Image,
			Command:          append([]string(nil), st.Command...),
			Env:              env,
			StartMessage:     os.Expand(st.StartMessage, lookup),
			EndMessage:       os.Expand(st.EndMessage, lookup),
			ExpectedExitCode: st.ExpectedExitCode,
			Timeout:          st.Timeout,
			Retries:          st.Retries,
			RetryDelay:       st.RetryDelay,
			Resources: runtime.Resources{
				MemoryBytes:     st.MemoryBytes,
				MemorySwapBytes: st.MemorySwapBytes,
			},
		}
		if spec.Timeout == 0 {
			spec.Timeout = defaults.Timeout
		}
		if spec.Retries == 0 {
			spec.Retries = defaults.Retries
		}
		if spec.RetryDelay == 0 {
			spec.RetryDelay = defaults.RetryDelay
		}
		for _, p := range st.Ports {
			spec.Ports = append(spec.Ports, runtime.PortBinding{
				ContainerPort: p.Container,
				HostPort:      p.Host,
				Protocol:      p.Protocol,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadTemplate reads a stage template from a YAML file. Unknown fields are rejected.
func LoadTemplate(path string) (Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return Template{}, fmt.Errorf("open stage template: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var t Template
	if err := dec.Decode(&t); err != nil {
		return Template{}, fmt.Errorf("decode stage template %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, fmt.Errorf("stage template %s: %w", path, err)
	}
	return t, nil
}

// DefaultTemplate is the five-stage listing-to-presentation pipeline.
func DefaultTemplate() Template {
	const (
		links   = runtime.ContainerDataDir + "/table/links.txt"
		table   = runtime.ContainerDataDir + "/table/data.csv"
		pics    = runtime.ContainerDataDir + "/presentation/pic/"
		output  = runtime.ContainerDataDir + "/presentation/output/"
		slides  = runtime.ContainerDataDir + "/presentation/template/Упрощенный_белый_шаблон.pptx"
		masks   = runtime.ContainerDataDir + "/mask/"
		sheetRC = runtime.ContainerDataDir + "/config/config.env"
	)

	return Template{Stages: []StageTemplate{
		{
			Name:         "parse",
			Image:        "cian_deep_page_parser",
			Env:          Env{{"INPUT_PATH", links}, {"OUTPUT_PATH", table}},
			RequiredEnv:  []string{"INPUT_PATH", "OUTPUT_PATH"},
			StartMessage: "🔄 Stage ${STAGE}/${TOTAL}: parsing listings...",
			EndMessage:   "✅ Parsing finished",
		},
		{
			Name:         "rewrite",
			Image:        "rewriter_image",
			Env:          Env{{"INPUT_PATH", table}, {"MAX_SYMBOL", "500"}, {"COLUMN_NAME", "Описание"}},
			RequiredEnv:  []string{"INPUT_PATH", "MAX_SYMBOL", "COLUMN_NAME"},
			StartMessage: "🔄 Stage ${STAGE}/${TOTAL}: rewriting descriptions...",
			EndMessage:   "✅ Rewriting finished",
		},
		{
			Name:         "images",
			Image:        "image_processor",
			Env:          Env{{"INPUT_PATH", table}, {"MASK_DIR_PATH", masks}, {"BASE_IMAGE_DIR_PATH", pics}},
			RequiredEnv:  []string{"INPUT_PATH", "MASK_DIR_PATH", "BASE_IMAGE_DIR_PATH"},
			StartMessage: "🔄 Stage ${STAGE}/${TOTAL}: processing images...",
			EndMessage:   "✅ Image processing finished",
		},
		{
			Name:         "presentation",
			Image:        "presentation_image",
			Env:          Env{{"INPUT_PATH", table}, {"OUTPUT_PATH", output}, {"PIC_PATH", pics}, {"TEMPLATE_PATH", slides}},
			RequiredEnv:  []string{"INPUT_PATH", "OUTPUT_PATH", "PIC_PATH", "TEMPLATE_PATH"},
			StartMessage: "🔄 Stage ${STAGE}/${TOTAL}: building the presentation...",
			EndMessage:   "✅ Presentation built",
		},
		{
			Name:  "sheets",
			Image: "sheet_tools_image",
			Env: Env{
				{"INPUT_PATH", table},
				{"PRESENTATION_PATH", output},
				{"CONFIG_PATH", sheetRC},
				{"CLIENT_NAME", "${CLIENT_NAME}"},
			},
			RequiredEnv:  []string{"INPUT_PATH", "PRESENTATION_PATH", "CONFIG_PATH", "CLIENT_NAME"},
			StartMessage: "🔄 Stage ${STAGE}/${TOTAL}: exporting to the spreadsheet...",
			EndMessage:   "✅ Spreadsheet export finished",
		},
	}}
}
