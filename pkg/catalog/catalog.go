// Package catalog defines the shared, tenant-independent authorization catalog:
// permissions, system roles, default role templates, features, plans, the
// feature to permission map and sensitive permission pairs.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// SystemAdminRole is the system role assigned to a tenant owner at provisioning.
const SystemAdminRole = "tenant:admin"

// PlatformOperatorRole is the system role held by platform operators. It is
// only assigned in the platform scope.
const PlatformOperatorRole = "platform:operator"

// ErrInvalidCatalog is returned when a catalog fails validation
var ErrInvalidCatalog = errors.New("invalid catalog")

// Permission is a catalog permission entry
type Permission struct {
	Name        string `yaml:"name" json:"name"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description" json:"description"`
}

// RoleDefinition describes a system role or a tenant role template
type RoleDefinition struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Description string   `yaml:"description" json:"description"`
	Delegatable bool     `yaml:"delegatable" json:"delegatable"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Feature is a licensable capability and the permissions it unlocks
type Feature struct {
	Name        string   `yaml:"name" json:"name"`
	Category    string   `yaml:"category" json:"category"`
	Tier        string   `yaml:"tier" json:"tier"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Plan is a named feature bundle
type Plan struct {
	Name     string   `yaml:"name" json:"name"`
	Features []string `yaml:"features" json:"features"`
}

// Catalog is the parsed catalog document
type Catalog struct {
	Permissions    []Permission     `yaml:"permissions"`
	SystemRoles    []RoleDefinition `yaml:"system_roles"`
	Templates      []RoleDefinition `yaml:"templates"`
	Features       []Feature        `yaml:"features"`
	Plans          []Plan           `yaml:"plans"`
	SensitivePairs [][2]string      `yaml:"sensitive_pairs"`
}

// Default returns the embedded catalog
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}

// LoadFile parses a catalog from disk
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a catalog document
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names are unique and every reference resolves
func (c *Catalog) Validate() error {
	var problems []string

	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		if !strings.Contains(p.Name, ":") {
			problems = append(problems, fmt.Sprintf("permission %q must be category:action", p.Name))
		}
		if perms[p.Name] {
			problems = append(problems, fmt.Sprintf("duplicate permission %q", p.Name))
		}
		perms[p.Name] = true
	}

	roles := make(map[string]bool)
	for _, group := range [][]RoleDefinition{c.SystemRoles, c.Templates} {
		for _, r := range group {
			if roles[r.Name] {
				problems = append(problems, fmt.Sprintf("duplicate role %q", r.Name))
			}
			roles[r.Name] = true
			for _, p := range r.Permissions {
				if !perms[p] {
					problems = append(problems, fmt.Sprintf("role %q references unknown permission %q", r.Name, p))
				}
			}
		}
	}
	if !roles[SystemAdminRole] {
		problems = append(problems, fmt.Sprintf("system role %q is required", SystemAdminRole))
	}

	// Operator permissions stay out of every role a tenant can hold.
	platformOnly := make(map[string]bool)
	for _, r := range c.SystemRoles {
		if r.Name == PlatformOperatorRole {
			for _, p := range r.Permissions {
				platformOnly[p] = true
			}
		}
	}
	for _, group := range [][]RoleDefinition{c.SystemRoles, c.Templates} {
		for _, r := range group {
			if r.Name == PlatformOperatorRole {
				continue
			}
			for _, p := range r.Permissions {
				if platformOnly[p] {
					problems = append(problems, fmt.Sprintf("role %q holds platform permission %q", r.Name, p))
				}
			}
		}
	}

	features := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if features[f.Name] {
			problems = append(problems, fmt.Sprintf("duplicate feature %q", f.Name))
		}
		features[f.Name] = true
		for _, p := range f.Permissions {
			if !perms[p] {
				problems = append(problems, fmt.Sprintf("feature %q references unknown permission %q", f.Name, p))
			}
		}
	}

	plans := make(map[string]bool, len(c.Plans))
	for _, pl := range c.Plans {
		if plans[pl.Name] {
			problems = append(problems, fmt.Sprintf("duplicate plan %q", pl.Name))
		}
		plans[pl.Name] = true
		for _, f := range pl.Features {
			if !features[f] {
				problems = append(problems, fmt.Sprintf("plan %q references unknown feature %q", pl.Name, f))
			}
		}
	}

	for _, pair := range c.SensitivePairs {
		for _, p := range pair {
			if !perms[p] {
				problems = append(problems, fmt.Sprintf("sensitive pair references unknown permission %q", p))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(problems, "; "))
	}
	return nil
}

// Plan returns the named plan
func (c *Catalog) Plan(name string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, true
		}
	}
	return Plan{}, false
}

// Feature returns the named feature
func (c *Catalog) Feature(name string) (Feature, bool) {
	for _, f := range c.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// ConflictingPair reports the first sensitive pair fully contained in perms.
func ConflictingPair(pairs [][2]string, perms []string) ([2]string, bool) {
	held := make(map[string]bool, len(perms))
	for _, p := range perms {
		held[p] = true
	}
	for _, pair := range pairs {
		if held[pair[0]] && held[pair[1]] {
			return pair, true
		}
	}
	return [2]string{}, false
}
