// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fairqueue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// SchemaResult is the outcome of validating a payload. Issues is empty
// when Success is true.
type SchemaResult struct {
	Success bool
	Issues  []string
}

// PayloadSchema validates message payloads at enqueue time.
type PayloadSchema interface {
	SafeParse(desc QueueDescriptor, payload json.RawMessage) SchemaResult
}

// PayloadSchemaFunc adapts a function to PayloadSchema.
type PayloadSchemaFunc func(desc QueueDescriptor, payload json.RawMessage) SchemaResult

func (f PayloadSchemaFunc) SafeParse(desc QueueDescriptor, payload json.RawMessage) SchemaResult {
	return f(desc, payload)
}

// CELRule is one named boolean CEL expression. The expression sees
// payload (decoded JSON), queue_id, tenant_id and metadata.
type CELRule struct {
	Name       string
	Expression string
}

type celRule struct {
	name string
	prog cel.Program
}

// CELSchema accepts a payload when every rule evaluates to true.
type CELSchema struct {
	rules []celRule
}

var _ PayloadSchema = (*CELSchema)(nil)

func NewCELSchema(rules ...CELRule) (*CELSchema, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("queue_id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &CELSchema{}
	for _, r := range rules {
		expr := strings.TrimSpace(r.Expression)
		if expr == "" {
			return nil, fmt.Errorf("schema rule %q has an empty expression", r.Name)
		}
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("failed to compile schema rule %q: %w", r.Name, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("schema rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build schema rule %q: %w", r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = expr
		}
		s.rules = append(s.rules, celRule{name: name, prog: prog})
	}
	return s, nil
}

func (s *CELSchema) SafeParse(desc QueueDescriptor, payload json.RawMessage) SchemaResult {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return SchemaResult{Issues: []string{"payload is not valid JSON: " + err.Error()}}
	}
	metadata := desc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	vars := map[string]any{
		"payload":   decoded,
		"queue_id":  desc.ID,
		"tenant_id": desc.TenantID,
		"metadata":  metadata,
	}

	var issues []string
	for _, r := range s.rules {
		out, _, err := r.prog.Eval(vars)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", r.name, err))
			continue
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			issues = append(issues, r.name)
		}
	}
	return SchemaResult{Success: len(issues) == 0, Issues: issues}
}
