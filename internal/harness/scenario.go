package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aqueduct-io/aqueduct/internal/auth"
)

// Scenario is a scripted multi-client editing session.
//
// Clients attach to one fresh document in declaration order, then the steps
// run sequentially. Every clientbound message each client receives is
// recorded in its trace, which is what the golden files pin down.
type Scenario struct {
	// Name uniquely identifies this scenario; it is also the golden file
	// name.
	Name string `yaml:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description"`

	// SnapshotEvery overrides the checkpoint cadence. 0 (the default here)
	// disables periodic checkpoints so most scenarios stay on one snapshot.
	SnapshotEvery int `yaml:"snapshot_every,omitempty"`

	// Clients declares the participants and their document roles.
	Clients []ClientSpec `yaml:"clients"`

	// Steps is the scripted action sequence.
	Steps []Step `yaml:"steps"`
}

// ClientSpec declares one scripted participant.
type ClientSpec struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"` // "editor" or "viewer"
}

// Step is one scripted action. Exactly one of Mutate, Checkout, and Cursor
// is set.
type Step struct {
	// Client names the acting participant.
	Client string `yaml:"client"`

	// Mutate submits an action payload.
	Mutate map[string]any `yaml:"mutate,omitempty"`

	// Checkout moves the head to the given edit id.
	Checkout *int64 `yaml:"checkout,omitempty"`

	// Cursor reports a cursor position.
	Cursor *CursorStep `yaml:"cursor,omitempty"`
}

// CursorStep is a scripted cursor position.
type CursorStep struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// LoadScenario reads and parses a scenario yaml file. Unknown fields are an
// error so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario yaml: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must be >= 0")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c.Name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if known[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate name %q", i, c.Name)
		}
		known[c.Name] = true
		if c.Role != auth.RoleEditor && c.Role != auth.RoleViewer {
			return fmt.Errorf("clients[%d]: role must be %q or %q, got %q", i, auth.RoleEditor, auth.RoleViewer, c.Role)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if !known[step.Client] {
			return fmt.Errorf("steps[%d]: unknown client %q", i, step.Client)
		}
		set := 0
		if step.Mutate != nil {
			set++
		}
		if step.Checkout != nil {
			set++
		}
		if step.Cursor != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of mutate, checkout, cursor is required", i)
		}
	}
	return nil
}
