package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sawpanic/sentinel/internal/domain"
)

// Region groups countries for hierarchical reconciliation.
type Region struct {
	Name      string   `json:"name"`
	Countries []string `json:"countries"`
}

// Registry is the immutable view of the reference data. All accessors return
// copies so callers cannot mutate shared state.
type Registry struct {
	materials    map[string]domain.Material
	countries    map[string]domain.Country
	regions      map[string][]string
	materialKeys []string
	countryKeys  []string
}

// NewRegistry validates reference data and builds a Registry.
func NewRegistry(materials []domain.Material, countries []domain.Country) (*Registry, error) {
	if len(materials) == 0 {
		return nil, fmt.Errorf("reference data has no materials")
	}
	if len(countries) == 0 {
		return nil, fmt.Errorf("reference data has no countries")
	}

	r := &Registry{
		materials: make(map[string]domain.Material, len(materials)),
		countries: make(map[string]domain.Country, len(countries)),
		regions:   make(map[string][]string),
	}

	for _, c := range countries {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("country with empty name")
		}
		if _, dup := r.countries[c.Name]; dup {
			return nil, fmt.Errorf("duplicate country %q", c.Name)
		}
		r.countries[c.Name] = c
		r.countryKeys = append(r.countryKeys, c.Name)
		if c.Region != "" {
			r.regions[c.Region] = append(r.regions[c.Region], c.Name)
		}
	}

	for _, m := range materials {
		if strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("material with empty name")
		}
		if _, dup := r.materials[m.Name]; dup {
			return nil, fmt.Errorf("duplicate material %q", m.Name)
		}
		if !m.Category.Valid() {
			return nil, fmt.Errorf("material %q: %w: %q", m.Name, domain.ErrUnknownCategory, m.Category)
		}
		if m.LeadTimeDays <= 0 {
			return nil, fmt.Errorf("material %q: lead_time_days must be positive", m.Name)
		}
		if m.ErrorStdDev < 0 {
			return nil, fmt.Errorf("material %q: error_std_dev cannot be negative", m.Name)
		}
		for _, c := range m.Countries {
			if _, ok := r.countries[c]; !ok {
				return nil, fmt.Errorf("material %q: %w: %q", m.Name, domain.ErrUnknownCountry, c)
			}
		}
		m.Countries = append([]string(nil), m.Countries...)
		r.materials[m.Name] = m
		r.materialKeys = append(r.materialKeys, m.Name)
	}

	sort.Strings(r.materialKeys)
	return r, nil
}

// Material looks up a material by name.
func (r *Registry) Material(name string) (domain.Material, error) {
	m, ok := r.materials[name]
	if !ok {
		return domain.Material{}, fmt.Errorf("%w: %q", domain.ErrUnknownMaterial, name)
	}
	m.Countries = append([]string(nil), m.Countries...)
	return m, nil
}

// Country looks up a country by name.
func (r *Registry) Country(name string) (domain.Country, error) {
	c, ok := r.countries[name]
	if !ok {
		return domain.Country{}, fmt.Errorf("%w: %q", domain.ErrUnknownCountry, name)
	}
	return c, nil
}

// ActiveCountries returns the countries a material is procured in. A material
// without an explicit list is active everywhere.
func (r *Registry) ActiveCountries(material string) ([]string, error) {
	m, ok := r.materials[material]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMaterial, material)
	}
	if len(m.Countries) > 0 {
		return append([]string(nil), m.Countries...), nil
	}
	return append([]string(nil), r.countryKeys...), nil
}

// Materials returns every material sorted by name.
func (r *Registry) Materials() []domain.Material {
	out := make([]domain.Material, 0, len(r.materialKeys))
	for _, name := range r.materialKeys {
		m, _ := r.Material(name)
		out = append(out, m)
	}
	return out
}

// MaterialsByCategory returns the materials of one category sorted by name.
func (r *Registry) MaterialsByCategory(c domain.Category) []domain.Material {
	var out []domain.Material
	for _, m := range r.Materials() {
		if m.Category == c {
			out = append(out, m)
		}
	}
	return out
}

// Region returns the region a country belongs to, or "" if unassigned.
func (r *Registry) Region(country string) string {
	return r.countries[country].Region
}

// Regions returns every region with its countries, sorted by name.
func (r *Registry) Regions() []Region {
	names := make([]string, 0, len(r.regions))
	for name := range r.regions {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Region, 0, len(names))
	for _, name := range names {
		out = append(out, Region{Name: name, Countries: append([]string(nil), r.regions[name]...)})
	}
	return out
}
