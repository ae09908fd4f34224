package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix marks environment variables that override document keys.
	EnvPrefix = "WORKLOAD_"

	// EnvSeparator splits an environment variable name into nested keys.
	EnvSeparator = "__"

	schemaURL = "workload.schema.json"
)

// DefaultPaths are searched in order when no config path is given.
var DefaultPaths = []string{"workload.yaml", "/etc/berserker/workload.yaml"}

//go:embed workload.schema.json
var schemaSource string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Load reads the workload document at path, or the first existing default
// path when path is empty, and resolves it against the process environment.
//
// A missing default file is not an error: the document may come entirely
// from the environment.
func Load(path string) (*WorkloadConfig, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	return Parse(data, os.Environ())
}

func readDocument(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return data, nil
	}

	for _, p := range DefaultPaths {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
	}
	return nil, nil
}

// Parse resolves a YAML document plus environment overlay into a validated
// configuration.
//
// Resolution order:
//  1. YAML document (keys may sit at top level or under a "workload" block)
//  2. environment variables with EnvPrefix, nested by EnvSeparator
//  3. JSON Schema check of the merged document
//  4. decode into the common block and the variant named by "type"
//  5. defaults, then semantic validation
func Parse(data []byte, environ []string) (*WorkloadConfig, error) {
	doc := make(map[string]interface{})
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}

	overlayEnv(doc, environ)
	flattenWorkloadBlock(doc)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	if err := checkSchema(raw); err != nil {
		return nil, err
	}

	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv writes WORKLOAD_* variables into doc. Values are parsed as YAML
// so numbers, booleans and sequences keep their type. Variables that name no
// workload key are ignored, since the prefix is shared with the rest of the
// environment.
func overlayEnv(doc map[string]interface{}, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		path := strings.Split(key, EnvSeparator)
		if !knownKey(path) {
			continue
		}

		var parsed interface{}
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}

		setPath(doc, path, parsed)
	}
}

// knownKey reports whether path names a property of the workload schema,
// either at top level or inside a "workload" block.
func knownKey(path []string) bool {
	if len(path) == 2 && path[0] == "workload" {
		path = path[1:]
	}
	if len(path) != 1 || path[0] == "" {
		return false
	}
	return gjson.Get(schemaSource, "properties."+gjson.Escape(path[0])).Exists()
}

func setPath(doc map[string]interface{}, path []string, value interface{}) {
	node := doc
	for _, part := range path[:len(path)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}

// flattenWorkloadBlock lifts keys of a nested "workload" block to the top
// level. Top-level keys win over nested ones.
func flattenWorkloadBlock(doc map[string]interface{}) {
	block, ok := doc["workload"].(map[string]interface{})
	if !ok {
		return
	}
	delete(doc, "workload")
	for k, v := range block {
		if _, exists := doc[k]; !exists {
			doc[k] = v
		}
	}
}

func workloadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
			schemaErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("invalid schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func checkSchema(raw []byte) error {
	schema, err := workloadSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			errs := &ValidationErrors{}
			collectSchemaErrors(verr, errs)
			return errs
		}
		return err
	}
	return nil
}

// collectSchemaErrors keeps only leaf causes, which name the offending field.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		field := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
		errs.Add(field, err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

func decode(raw []byte) (*WorkloadConfig, error) {
	cfg := &WorkloadConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	var variant interface{}
	switch Kind(gjson.GetBytes(raw, "type").String()) {
	case KindProcess:
		cfg.Process = &ProcessConfig{}
		variant = cfg.Process
	case KindEndpoint:
		cfg.Endpoint = &EndpointConfig{}
		variant = cfg.Endpoint
	case KindSyscall:
		cfg.Syscall = &SyscallConfig{}
		variant = cfg.Syscall
	case KindNetwork:
		cfg.Network = &NetworkConfig{}
		variant = cfg.Network
	case KindBPF:
		cfg.BPF = &BPFConfig{}
		variant = cfg.BPF
	default:
		errs := &ValidationErrors{}
		errs.Add("type", fmt.Sprintf("unknown workload type: %s", cfg.Type))
		return nil, errs
	}

	if err := json.Unmarshal(raw, variant); err != nil {
		return nil, fmt.Errorf("failed to decode %s workload: %w", cfg.Type, err)
	}
	return cfg, nil
}
