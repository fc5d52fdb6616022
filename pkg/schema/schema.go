// Package schema defines the shared-field projection between the local
// master store and the remote authority store. The local schema is a
// superset of the remote schema: every remote column has a local
// counterpart, and the local store carries additional columns that never
// cross to the remote side.
//
// The projection is a static lookup table, not reflection over either
// schema. This keeps the shared-field set explicit and reviewable, and a
// column that exists on only one side is caught at projection time instead
// of surfacing as a silent partial write.
package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/twinsync/twinsync/pkg/errors"
)

// FieldMapping maps one local column to its remote counterpart.
type FieldMapping struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// Projection is the static mapping from local columns to remote columns
// plus the set of local-only columns.
type Projection struct {
	shared    map[string]string // local column -> remote column
	localOnly map[string]bool
	order     []string // local column names in declaration order
}

// projectionFile is the YAML shape of an external projection definition.
type projectionFile struct {
	Shared    []FieldMapping `yaml:"shared"`
	LocalOnly []string       `yaml:"local_only"`
}

// Default returns the built-in projection for the facility registry.
// The shared columns mirror the remote authority schema; internal notes and
// the responsible department stay local.
func Default() *Projection {
	p, err := New([]FieldMapping{
		{Local: "navn", Remote: "navn"},
		{Local: "temakode", Remote: "temakode"},
		{Local: "temanavn", Remote: "temanavn"},
		{Local: "kategori", Remote: "kategori"},
		{Local: "tilstand", Remote: "tilstand"},
		{Local: "vejnavn", Remote: "vejnavn"},
		{Local: "husnr", Remote: "husnr"},
		{Local: "postnr", Remote: "postnr"},
		{Local: "beskrivelse", Remote: "beskrivelse"},
	}, []string{"intern_note", "ansvarlig_afdeling"})
	if err != nil {
		// The built-in table is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return p
}

// New builds a projection from shared-field mappings and local-only columns.
func New(shared []FieldMapping, localOnly []string) (*Projection, error) {
	p := &Projection{
		shared:    make(map[string]string, len(shared)),
		localOnly: make(map[string]bool, len(localOnly)),
	}

	for _, m := range shared {
		if m.Local == "" || m.Remote == "" {
			return nil, &errors.ValidationError{
				Field:   "shared",
				Message: fmt.Sprintf("mapping %q -> %q has an empty side", m.Local, m.Remote),
			}
		}
		if _, dup := p.shared[m.Local]; dup {
			return nil, &errors.ValidationError{
				Field:   "shared",
				Message: fmt.Sprintf("duplicate local column %q", m.Local),
			}
		}
		p.shared[m.Local] = m.Remote
		p.order = append(p.order, m.Local)
	}

	for _, col := range localOnly {
		if _, clash := p.shared[col]; clash {
			return nil, &errors.ValidationError{
				Field:   "local_only",
				Message: fmt.Sprintf("column %q is both shared and local-only", col),
			}
		}
		p.localOnly[col] = true
	}

	if len(p.shared) == 0 {
		return nil, &errors.ValidationError{
			Field:   "shared",
			Message: "projection has no shared fields",
		}
	}

	return p, nil
}

// Load reads a projection definition from a YAML file.
func Load(path string) (*Projection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapStore("ledger", "read projection file", path, err)
	}

	var file projectionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse projection file %s: %w", path, err)
	}

	return New(file.Shared, file.LocalOnly)
}

// RemoteColumn returns the remote column name for a local column.
func (p *Projection) RemoteColumn(local string) (string, bool) {
	remote, ok := p.shared[local]
	return remote, ok
}

// SharedFields returns the local names of all shared columns in declaration
// order.
func (p *Projection) SharedFields() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// IsLocalOnly reports whether a column never crosses to the remote store.
func (p *Projection) IsLocalOnly(column string) bool {
	return p.localOnly[column]
}

// LocalOnlyFields returns the local-only column names, sorted.
func (p *Projection) LocalOnlyFields() []string {
	out := make([]string, 0, len(p.localOnly))
	for col := range p.localOnly {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Project applies the shared-field projection to a local field map.
// The result is keyed by remote column name and contains only shared
// fields. Local-only columns and unknown columns are dropped.
func (p *Projection) Project(localFields map[string]string) map[string]string {
	out := make(map[string]string, len(p.shared))
	for _, local := range p.order {
		if v, ok := localFields[local]; ok {
			out[p.shared[local]] = v
		}
	}
	return out
}
