package aggregator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Source is one remote instance of an aggregate document.
type Source struct {
	Name string `yaml:"-"`

	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api_key"`
	Provider string `yaml:"provider"` // Defaults to Name

	DataToImport []string                     `yaml:"data_to_import"`
	Mapping      map[string]map[string]string `yaml:"mapping"`
	Create       bool                         `yaml:"create"`
	Delete       *bool                        `yaml:"delete"`
	Portals      stringList                   `yaml:"portals"`
}

// Document lists the sources of an aggregate run in declaration order.
type Document struct {
	Sources []Source
}

// stringList accepts a YAML sequence or a single comma separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = nil
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*l = append(*l, part)
			}
		}
		return nil
	case yaml.SequenceNode:
		var items []any
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = make([]string, 0, len(items))
		for _, item := range items {
			*l = append(*l, core.Stringify(item))
		}
		return nil
	default:
		return fmt.Errorf("line %d: portals must be a list", node.Line)
	}
}

// Load reads an aggregate document from path. JSON documents are accepted
// since JSON is valid YAML.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &core.ConfigError{Msg: fmt.Sprintf("File does not exists at: %s", path)}
		}
		return nil, &core.ConfigError{Msg: fmt.Sprintf("read %s", path), Err: err}
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, &core.ConfigError{Msg: fmt.Sprintf("invalid aggregate document %s", path), Err: err}
	}
	return doc, nil
}

// Parse decodes a document, keeping sources in the order they are declared.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	doc := &Document{}
	if root.Kind == 0 {
		return doc, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 {
		return nil, errors.New("expected a single document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of sources", top.Line)
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i], top.Content[i+1]
		if seen[key.Value] {
			return nil, fmt.Errorf("line %d: source %q is declared twice", key.Line, key.Value)
		}
		seen[key.Value] = true

		var src Source
		if err := value.Decode(&src); err != nil {
			return nil, fmt.Errorf("source %q: %w", key.Value, err)
		}
		src.Name = key.Value
		if src.Provider == "" {
			src.Provider = src.Name
		}
		doc.Sources = append(doc.Sources, src)
	}
	return doc, nil
}
