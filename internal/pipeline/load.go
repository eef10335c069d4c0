package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	yaml "go.yaml.in/yaml/v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("pipeline.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

type document struct {
	Jobs map[string]Job `json:"jobs"`
}

// LoadFile reads a pipeline document from disk. YAML (.yaml/.yml) and JSON are accepted.
func LoadFile(path string) (*Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(b, formatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Format selects the document syntax for Parse.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes, schema-validates and builds a pipeline.
func Parse(data []byte, format Format) (*Pipeline, error) {
	jb := data
	if format == FormatYAML {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
		var err error
		if jb, err = json.Marshal(normalizeYAML(v)); err != nil {
			return nil, fmt.Errorf("yaml->json marshal: %w", err)
		}
	}

	var generic any
	if err := json.Unmarshal(jb, &generic); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, schemaError(err)
	}

	var doc document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid pipeline: trailing data")
	}

	for key, j := range doc.Jobs {
		if strings.TrimSpace(j.Timeout) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(j.Timeout))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("jobs.%s.timeout: invalid duration %q", key, j.Timeout)
		}
	}
	return New(doc.Jobs)
}

// schemaError flattens a validation tree into one line per failing location.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	var lines []string
	for _, be := range ve.BasicOutput().Errors {
		if be.Error == "" || strings.HasPrefix(be.Error, "doesn't validate with") {
			continue
		}
		loc := be.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		lines = append(lines, loc+": "+be.Error)
	}
	if len(lines) == 0 {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	return fmt.Errorf("invalid pipeline: %s", strings.Join(lines, "; "))
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
