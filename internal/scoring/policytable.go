package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyTable maps finding identifiers to externally maintained reference
// text (compliance clauses, runbooks). The engine only looks entries up.
type PolicyTable struct {
	refs map[string]string
}

type policyTableFile struct {
	References map[string]string `yaml:"references"`
}

// NewPolicyTable builds a table from an in-memory map.
func NewPolicyTable(refs map[string]string) *PolicyTable {
	cp := make(map[string]string, len(refs))
	for k, v := range refs {
		cp[k] = v
	}
	return &PolicyTable{refs: cp}
}

// LoadPolicyTable reads a YAML file of the form:
//
//	references:
//	  G6: "Transparency obligations"
//	  dangerous_capability: "https://runbooks.example/dangerous-capability"
func LoadPolicyTable(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy table %s: %w", path, err)
	}
	var f policyTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy table %s: %w", path, err)
	}
	return NewPolicyTable(f.References), nil
}

// Lookup returns the reference for a finding id. A nil table has no entries.
func (t *PolicyTable) Lookup(id string) (string, bool) {
	if t == nil {
		return "", false
	}
	ref, ok := t.refs[id]
	return ref, ok
}

// Len returns the number of entries.
func (t *PolicyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.refs)
}
