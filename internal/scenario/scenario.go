// Package scenario loads replay files that drive the IME daemon through a
// scripted sequence of window and subtype events.
//
// Files are YAML or JSON. Both are checked against an embedded JSON schema
// before they are decoded into typed steps.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"imetrackd/internal/imf"
	"imetrackd/internal/ipc"
	"imetrackd/internal/tracker"
)

//go:embed scenario.schema.json
var schemaJSON []byte

const schemaURL = "scenario.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Scenario is a named list of steps.
type Scenario struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step is one action. Exactly one action field is set.
type Step struct {
	// ID names a focus or request step so later signal steps can refer to
	// its verdict.
	ID string `json:"id,omitempty"`

	Focus          *imf.FocusEvent           `json:"focus,omitempty"`
	Request        *ipc.VisibilityRequest    `json:"request,omitempty"`
	Signal         *SignalStep               `json:"signal,omitempty"`
	Remove         *ipc.WindowRemovedRequest `json:"remove,omitempty"`
	A11y           *ipc.A11yShowModeRequest  `json:"a11y,omitempty"`
	Interactive    *ipc.InteractiveRequest   `json:"interactive,omitempty"`
	Subtypes       *ipc.SubtypeUpdateRequest `json:"subtypes,omitempty"`
	Switch         *SwitchStep               `json:"switch,omitempty"`
	UserAction     *ipc.UserActionRequest    `json:"user_action,omitempty"`
	SubtypeChanged bool                      `json:"subtype_changed,omitempty"`
	Sleep          Duration                  `json:"sleep,omitempty"`
}

// SignalStep reports a pipeline signal for the verdict of an earlier step.
// An empty Ref means the most recent verdict.
type SignalStep struct {
	Ref        string         `json:"ref,omitempty"`
	Signal     imf.SignalKind `json:"signal"`
	Phase      tracker.Phase  `json:"phase,omitempty"`
	WindowName string         `json:"window_name,omitempty"`
}

// SwitchStep asks for the next IME and subtype.
type SwitchStep struct {
	ImeID          string `json:"ime_id"`
	SubtypeIndex   int    `json:"subtype_index"`
	OnlyCurrentIME bool   `json:"only_current_ime,omitempty"`
	Backward       bool   `json:"backward,omitempty"`
	Hardware       bool   `json:"hardware,omitempty"`
}

// Duration is a time.Duration written as a string such as "50ms".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Kind names the action a step performs.
func (s Step) Kind() string {
	switch {
	case s.Focus != nil:
		return "focus"
	case s.Request != nil:
		return "request"
	case s.Signal != nil:
		return "signal"
	case s.Remove != nil:
		return "remove"
	case s.A11y != nil:
		return "a11y"
	case s.Interactive != nil:
		return "interactive"
	case s.Subtypes != nil:
		return "subtypes"
	case s.Switch != nil:
		return "switch"
	case s.UserAction != nil:
		return "user_action"
	case s.SubtypeChanged:
		return "subtype_changed"
	case s.Sleep > 0:
		return "sleep"
	default:
		return ""
	}
}

// Load reads, validates and decodes a scenario file. Files ending in .json
// are read as JSON, anything else as YAML.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	sc, err := Parse(data, ext == ".json")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse validates and decodes scenario data.
func Parse(data []byte, isJSON bool) (*Scenario, error) {
	var raw any
	if isJSON {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	}

	// Round-trip through JSON so the validator and the typed decoder see
	// the same values whatever the source format was.
	canonical, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to JSON: %w", err)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("convert to JSON: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(instance); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var sc Scenario
	dec = json.NewDecoder(bytes.NewReader(canonical))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks what the schema cannot: step ids are unique, and signal
// refs name an earlier focus or request step.
func (sc *Scenario) Validate() error {
	seen := make(map[string]string)
	for i, st := range sc.Steps {
		if st.Kind() == "" {
			return fmt.Errorf("step %d: no action", i)
		}
		if st.Signal != nil && st.Signal.Ref != "" {
			kind, ok := seen[st.Signal.Ref]
			if !ok {
				return fmt.Errorf("step %d: signal refers to unknown step %q", i, st.Signal.Ref)
			}
			if kind != "focus" && kind != "request" {
				return fmt.Errorf("step %d: signal refers to %s step %q", i, kind, st.Signal.Ref)
			}
		}
		if st.ID == "" {
			continue
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("step %d: duplicate id %q", i, st.ID)
		}
		seen[st.ID] = st.Kind()
	}
	return nil
}
