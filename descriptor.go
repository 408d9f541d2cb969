package modules

import (
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// DescriptorFile is the per module descriptor file name.
const DescriptorFile = "module.yaml"

// ModuleDescriptor is the static, non persisted declaration a module ships
// with. Enabled is the global kill switch: a module whose descriptor is not
// enabled is not offered to any tenant.
type ModuleDescriptor struct {
	Name           string                       `yaml:"name"`
	Description    string                       `yaml:"description"`
	Version        string                       `yaml:"version" default:"1.0.0"`
	IsCore         bool                         `yaml:"is_core"`
	Enabled        bool                         `yaml:"enabled"`
	Navigation     []NavigationNode             `yaml:"navigation"`
	Assets         AssetBundle                  `yaml:"assets"`
	Permissions    []string                     `yaml:"permissions"`
	Translations   map[string]map[string]string `yaml:"translations"`
	SettingsSchema map[string]any               `yaml:"settings_schema"`

	// Dir is the directory the descriptor was loaded from, relative to the
	// registry root. Empty for statically registered descriptors.
	Dir string `yaml:"-"`
}

// NavigationNode is one menu entry. Label is a translation key.
type NavigationNode struct {
	Label      string           `yaml:"label" json:"label"`
	Route      string           `yaml:"route" json:"route"`
	Icon       string           `yaml:"icon" default:"circle" json:"icon,omitempty"`
	Permission string           `yaml:"permission" json:"permission,omitempty"`
	Children   []NavigationNode `yaml:"children" json:"children,omitempty"`
}

// AssetBundle lists the front end assets a module contributes.
type AssetBundle struct {
	Styles  []string `yaml:"styles" json:"styles,omitempty"`
	Scripts []string `yaml:"scripts" json:"scripts,omitempty"`
}

// ParseDescriptor decodes a module.yaml payload. The directory name wins
// over the declared name when they differ.
func ParseDescriptor(data []byte, dirName string) (ModuleDescriptor, error) {
	desc := ModuleDescriptor{}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return ModuleDescriptor{}, err
	}

	if dirName != "" {
		desc.Name = dirName
		desc.Dir = dirName
	}

	if err := desc.normalize(); err != nil {
		return ModuleDescriptor{}, err
	}
	return desc, nil
}

func (d *ModuleDescriptor) normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return NewValidationError("module descriptor requires a name")
	}

	if err := defaults.Set(d); err != nil {
		return err
	}

	if d.Description == "" {
		d.Description = "Module " + d.Name
	}

	return nil
}

// PermissionPrefix is the naming convention prefix for a module's permissions.
func PermissionPrefix(module string) string {
	return module + "."
}

// ModulePermissions filters the declared permissions down to the ones
// following the <module>.<action> convention.
func (d ModuleDescriptor) ModulePermissions() []string {
	prefix := PermissionPrefix(d.Name)
	out := make([]string, 0, len(d.Permissions))
	for _, p := range d.Permissions {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, prefix) && len(p) > len(prefix) {
			out = append(out, p)
		}
	}
	return out
}

// Catalog returns the catalog record derived from the descriptor.
func (d ModuleDescriptor) Catalog() *Module {
	return &Module{
		Name:           d.Name,
		Description:    d.Description,
		Version:        d.Version,
		IsCore:         d.IsCore,
		SettingsSchema: d.SettingsSchema,
	}
}

func cloneNodes(nodes []NavigationNode) []NavigationNode {
	if nodes == nil {
		return nil
	}
	out := make([]NavigationNode, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Children = cloneNodes(n.Children)
	}
	return out
}
