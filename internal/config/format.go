package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configFormat picks the decoder from the file extension. Anything that is
// not .yaml or .yml is read as JSON.
func configFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// normalizeToJSON returns data as JSON so both formats go through the same
// strict decoder.
func normalizeToJSON(format string, data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("config file is empty")
	}
	if format != "yaml" {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	doc, err := stringKeys("", doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// stringKeys rewrites YAML mappings into map[string]any. Non-string keys are
// rejected since every config key is a name.
func stringKeys(at string, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			c, err := stringKeys(joinKey(at, k), child)
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: %s: key %v is not a string", orRoot(at), k)
			}
			c, err := stringKeys(joinKey(at, ks), child)
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	case []any:
		for i, child := range x {
			c, err := stringKeys(fmt.Sprintf("%s[%d]", at, i), child)
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	}
	return v, nil
}

func joinKey(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}
