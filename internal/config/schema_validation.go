package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	tetherschema "github.com/Paintersrp/tether/schema"
)

const schemaResource = "tether.v1.json"

var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	compileErr error

	quotedName = regexp.MustCompile(`'([^']*)'`)
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaResource, bytes.NewReader(tetherschema.ManifestV1Schema)); err != nil {
			compileErr = fmt.Errorf("load manifest schema: %w", err)
			return
		}
		if compiled, compileErr = compiler.Compile(schemaResource); compileErr != nil {
			compileErr = fmt.Errorf("compile manifest schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// validateAgainstSchema checks the raw manifest document against the embedded
// schema. Violations are reported by field path, the way Validate does.
func validateAgainstSchema(doc map[string]any) error {
	schema, err := manifestSchema()
	if err != nil {
		return err
	}

	instance, err := toJSONValue(doc)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(schemaProblems(vErr), "; "))
}

// toJSONValue re-encodes a YAML document so numbers reach the validator as
// json.Number.
func toJSONValue(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// schemaProblems flattens a validation error into sorted "field: problem"
// lines, one per failing leaf.
func schemaProblems(root *jsonschema.ValidationError) []string {
	seen := make(map[string]struct{})
	var problems []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		for _, p := range describeViolation(e) {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			problems = append(problems, p)
		}
	}
	walk(root)
	sort.Strings(problems)
	return problems
}

func describeViolation(e *jsonschema.ValidationError) []string {
	path := fieldPath(e.InstanceLocation)
	keyword := e.KeywordLocation[strings.LastIndex(e.KeywordLocation, "/")+1:]

	var problem string
	switch keyword {
	case "required":
		problem = "is required"
	case "additionalProperties":
		problem = "unknown field"
	default:
		return []string{displayPath(path) + ": " + e.Message}
	}

	names := quotedName.FindAllStringSubmatch(e.Message, -1)
	if len(names) == 0 {
		return []string{displayPath(path) + ": " + e.Message}
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, joinField(path, name[1])+": "+problem)
	}
	return out
}

// fieldPath turns a JSON pointer such as /backend/args/0 into backend.args[0].
func fieldPath(ptr string) string {
	var b strings.Builder
	for _, segment := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if segment == "" {
			continue
		}
		segment = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(segment); err == nil && b.Len() > 0 {
			fmt.Fprintf(&b, "[%s]", segment)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(segment)
	}
	return b.String()
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "manifest"
	}
	return path
}
