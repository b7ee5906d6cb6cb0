package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/tinywall/pipeguard/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${NAME} and ${NAME:-fallback}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars expands ${NAME} and ${NAME:-fallback} references. An
// unset or empty variable with no fallback expands to the empty string.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[3]
	})
}

// interpolateNode expands references in every scalar value of the document.
// Keys are never expanded. A plain scalar loses its resolved tag so that
// "max_message_size: ${PG_SIZE:-4096}" still decodes as an integer.
func interpolateNode(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			interpolateNode(c)
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			interpolateNode(n.Content[i])
		}
	case yaml.ScalarNode:
		if !envVarPattern.MatchString(n.Value) {
			return
		}
		n.Value = interpolateEnvVars(n.Value)
		if n.Style == 0 {
			n.Tag = ""
		}
	}
}

// checkKeys rejects settings that pipeguard does not know, reporting the
// dotted key and its line in the file.
func checkKeys(n *yaml.Node, t reflect.Type, prefix string) error {
	if n.Kind != yaml.MappingNode {
		if prefix == "" {
			return types.NewError(types.ErrCodeInvalid,
				fmt.Sprintf("line %d: configuration must be a mapping of sections", n.Line))
		}
		return types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("line %d: section %s must be a mapping", n.Line, prefix))
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		name := key.Value
		if prefix != "" {
			name = prefix + "." + key.Value
		}

		field, ok := fieldByTag(t, key.Value)
		if !ok {
			return types.NewError(types.ErrCodeInvalid,
				fmt.Sprintf("line %d: unknown setting %q", key.Line, name))
		}
		if field.Type.Kind() == reflect.Struct && value.ShortTag() != "!!null" {
			if err := checkKeys(value, field.Type, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func fieldByTag(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// parseConfigDocument parses data into a document root, rejecting files
// that carry no settings at all.
func parseConfigDocument(data []byte, path string) (*yaml.Node, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, types.NewError(types.ErrCodeInvalid, "pipeguard config "+path+" has no settings")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "pipeguard config "+path+" is not valid YAML", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, types.NewError(types.ErrCodeInvalid, "pipeguard config "+path+" has no settings")
	}
	return doc.Content[0], nil
}

// LoadFromFile loads a pipeguard configuration file. Only .yaml and .yml
// files are accepted. Environment references in values are expanded before
// decoding, and settings missing from the file take their defaults.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config path is empty")
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("config %s: expected a .yaml or .yml file, got %q", path, ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "pipeguard config not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read pipeguard config "+path, err)
	}

	root, err := parseConfigDocument(data, path)
	if err != nil {
		return nil, err
	}
	if err := checkKeys(root, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "pipeguard config "+path, err)
	}
	interpolateNode(root)

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "pipeguard config "+path+" has a value of the wrong type", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "pipeguard config "+path+" is invalid", err)
	}
	return &cfg, nil
}
