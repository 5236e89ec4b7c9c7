// Package plugins defines the plugin manifest consumed by the governance core.
package plugins

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// ManifestKind is the only accepted manifest kind.
const ManifestKind = "MinosPlugin"

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Manifest describes plugin metadata loaded from manifest.yaml.
type Manifest struct {
	// APIVersion for future compatibility.
	APIVersion string `yaml:"apiVersion" json:"apiVersion" validate:"required"`

	// Kind should be "MinosPlugin".
	Kind string `yaml:"kind" json:"kind" validate:"required"`

	// Metadata contains plugin identity.
	Metadata ManifestMetadata `yaml:"metadata" json:"metadata"`

	// Spec contains plugin configuration.
	Spec ManifestSpec `yaml:"spec" json:"spec"`
}

// ManifestMetadata contains plugin identity fields.
type ManifestMetadata struct {
	Name        string `yaml:"name" json:"name" validate:"required,max=128"`
	Version     string `yaml:"version" json:"version" validate:"required"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ManifestSpec contains the plugin's governance configuration.
type ManifestSpec struct {
	// EntryPoint is opaque to the governance layer.
	EntryPoint string `yaml:"entryPoint,omitempty" json:"entryPoint,omitempty"`

	// Permissions is the declarative permission block.
	Permissions Permissions `yaml:"permissions" json:"permissions"`

	// Limits overrides the global sandbox defaults for this plugin.
	Limits *domain.SandboxLimits `yaml:"limits,omitempty" json:"limits,omitempty"`

	// Config is plugin-specific configuration.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Permissions lists "action:resource" entries per section. A resource of "*" means all.
type Permissions struct {
	Entities []string `yaml:"entities,omitempty" json:"entities,omitempty"`
	Hooks    []string `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	API      []string `yaml:"api,omitempty" json:"api,omitempty"`
	Network  []string `yaml:"network,omitempty" json:"network,omitempty"`
	Storage  []string `yaml:"storage,omitempty" json:"storage,omitempty"`
}

// Section is one named list of permission entries.
type Section struct {
	Name    string
	Entries []string
}

// Sections returns the permission sections in a fixed order.
func (p Permissions) Sections() []Section {
	return []Section{
		{Name: "entities", Entries: p.Entities},
		{Name: "hooks", Entries: p.Hooks},
		{Name: "api", Entries: p.API},
		{Name: "network", Entries: p.Network},
		{Name: "storage", Entries: p.Storage},
	}
}

// Empty reports whether no section has entries.
func (p Permissions) Empty() bool {
	for _, s := range p.Sections() {
		if len(s.Entries) > 0 {
			return false
		}
	}
	return true
}

// SplitEntry splits "action:resource" and maps a missing or "*" resource to "".
func SplitEntry(entry string) (action, resource string, err error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", errors.New("empty permission entry")
	}
	action, resource, _ = strings.Cut(entry, ":")
	action = strings.TrimSpace(action)
	resource = strings.TrimSpace(resource)
	if action == "" {
		return "", "", fmt.Errorf("permission entry %q has no action", entry)
	}
	return action, domain.NormalizeResource(resource), nil
}

// PluginID returns the plugin identity declared by the manifest.
func (m *Manifest) PluginID() domain.PluginID {
	return domain.PluginID(m.Metadata.Name)
}

// ParseManifest parses a YAML (or JSON) manifest and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadManifest reads a manifest.yaml file and returns the parsed Manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks required fields and the shape of every permission entry.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("manifest missing or invalid %s", manifestField(verrs[0]))
		}
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	if m.Kind != ManifestKind {
		return fmt.Errorf("manifest kind must be '%s', got '%s'", ManifestKind, m.Kind)
	}
	for _, section := range m.Spec.Permissions.Sections() {
		for _, entry := range section.Entries {
			if _, _, err := SplitEntry(entry); err != nil {
				return fmt.Errorf("manifest spec.permissions.%s: %w", section.Name, err)
			}
		}
	}
	return nil
}

// manifestField renders a validator error as the YAML path, e.g. "metadata.name".
func manifestField(fe validator.FieldError) string {
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	return path
}
