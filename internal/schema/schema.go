// Package schema describes the named feature groups that make up one
// observation vector, and the split between fast- and slow-changing groups
// used when history is reassembled for a policy network.
//
// A schema is immutable once constructed: the group order and widths are part
// of the contract with an externally trained policy and must match the layout
// the policy saw during training.
package schema

import "fmt"

// Group is one named, fixed-width slice of an observation vector.
type Group struct {
	Name  string
	Width int
}

// ConfigError reports an invalid schema, buffer, or assembly configuration.
// These are programming or deployment-file mistakes: they should never occur
// once startup validation has passed.
type ConfigError struct {
	Op  string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func errf(op, format string, v ...interface{}) *ConfigError {
	return &ConfigError{Op: op, Msg: fmt.Sprintf(format, v...)}
}

// Schema is an ordered set of feature groups. The trailing slowTail groups
// are the "slow" features (for example a gravity vector and a phase scalar)
// that history assembly defers to the end of the current-timestep block.
type Schema struct {
	groups   []Group
	starts   []int
	width    int
	slowTail int
}

// New builds a schema from ordered groups. slowTail is the number of trailing
// groups treated as slow features; it may be zero.
func New(groups []Group, slowTail int) (*Schema, error) {
	if len(groups) == 0 {
		return nil, errf("schema", "no feature groups")
	}
	if slowTail < 0 || slowTail > len(groups) {
		return nil, errf("schema", "slow tail %d outside [0,%d]", slowTail, len(groups))
	}

	s := &Schema{
		groups:   make([]Group, len(groups)),
		starts:   make([]int, len(groups)),
		slowTail: slowTail,
	}
	seen := make(map[string]bool, len(groups))
	for i, g := range groups {
		if g.Name == "" {
			return nil, errf("schema", "group %d has no name", i)
		}
		if seen[g.Name] {
			return nil, errf("schema", "duplicate group %q", g.Name)
		}
		seen[g.Name] = true
		if g.Width <= 0 {
			return nil, errf("schema", "group %q width %d, must be positive", g.Name, g.Width)
		}
		s.groups[i] = g
		s.starts[i] = s.width
		s.width += g.Width
	}
	return s, nil
}

// Width returns the per-timestep observation width: the sum of group widths.
func (s *Schema) Width() int { return s.width }

// Len returns the number of groups.
func (s *Schema) Len() int { return len(s.groups) }

// Group returns group i.
func (s *Schema) Group(i int) Group { return s.groups[i] }

// Groups returns a copy of the ordered group list.
func (s *Schema) Groups() []Group {
	out := make([]Group, len(s.groups))
	copy(out, s.groups)
	return out
}

// Start returns the column at which group i begins within a single-timestep
// observation vector.
func (s *Schema) Start(i int) int { return s.starts[i] }

// SlowTail returns the number of trailing slow groups.
func (s *Schema) SlowTail() int { return s.slowTail }

// FastLen returns the number of leading fast groups.
func (s *Schema) FastLen() int { return len(s.groups) - s.slowTail }

// FastWidth returns the total width of the fast groups.
func (s *Schema) FastWidth() int {
	if s.slowTail == 0 {
		return s.width
	}
	return s.starts[s.FastLen()]
}

// Slice returns the view of group i within a single-timestep vector.
// The vector length must be exactly Width().
func (s *Schema) Slice(vec []float32, i int) ([]float32, error) {
	if len(vec) != s.width {
		return nil, errf("schema slice", "vector width %d, schema width %d", len(vec), s.width)
	}
	g := s.groups[i]
	start := s.starts[i]
	return vec[start : start+g.Width], nil
}

// GroupByName returns the index of the named group, or -1.
func (s *Schema) GroupByName(name string) int {
	for i, g := range s.groups {
		if g.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) String() string {
	out := ""
	for i, g := range s.groups {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s(%d)", g.Name, g.Width)
	}
	return fmt.Sprintf("[%s] width=%d slow_tail=%d", out, s.width, s.slowTail)
}
