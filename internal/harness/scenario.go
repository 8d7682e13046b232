package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// Scenarios validate counter convergence by executing a flow of
// relationship mutations and asserting on counters, stored rows, and
// write counts.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are stored
	// under testdata/golden/{Name}.golden.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the inline CUE schema definition the scenario runs
	// against.
	Schema string `yaml:"schema"`

	// Setup creates the initial records and loaded representations.
	// Setup steps are not traced and are assumed to succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main test flow: each step is executed, then the
	// in-memory counters of every live handle are snapshotted into the
	// trace.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one setup or flow operation.
//
// Op selects the operation; the other fields apply per op:
//   - create: Table, As, Values (Values may reference handles with "@h"
//     for key fields)
//   - load: Record (existing handle), As - a second representation of the
//     same row
//   - drop: Record - release a handle and force a collection cycle
//   - add / remove: Relation, Owner, Members (handles)
//   - clear: Relation, Owner
//   - delete: Record
//   - increment / decrement: Record, Field, By
//   - reinit: Record, Field
//   - save: Record (dirty-field save; counters stay excluded)
//   - update: Record, Field, By - a direct store delta that bypasses
//     notifications, for staleness scenarios
type Step struct {
	Op       string         `yaml:"op"`
	Table    string         `yaml:"table,omitempty"`
	As       string         `yaml:"as,omitempty"`
	Record   string         `yaml:"record,omitempty"`
	Relation string         `yaml:"relation,omitempty"`
	Owner    string         `yaml:"owner,omitempty"`
	Members  []string       `yaml:"members,omitempty"`
	Field    string         `yaml:"field,omitempty"`
	By       int64          `yaml:"by,omitempty"`
	Values   map[string]any `yaml:"values,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type selects the assertion:
	//   - "counter": in-memory value of Field on handle Record equals Want
	//   - "stored": stored value of Field on handle Record's row equals Want
	//   - "members": current member count of Relation for Owner equals Want
	//   - "writes": total real delta writes during the flow equals Want
	//   - "tracked": registry has tracked state iff WantBool
	Type string `yaml:"type"`

	Record   string `yaml:"record,omitempty"`
	Relation string `yaml:"relation,omitempty"`
	Owner    string `yaml:"owner,omitempty"`
	Field    string `yaml:"field,omitempty"`
	Want     int64  `yaml:"want,omitempty"`
	WantBool bool   `yaml:"want_bool,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("parse scenario: name is required")
	}
	if sc.Schema == "" {
		return nil, fmt.Errorf("parse scenario %s: schema is required", sc.Name)
	}
	if len(sc.Flow) == 0 {
		return nil, fmt.Errorf("parse scenario %s: flow is required", sc.Name)
	}
	return &sc, nil
}
