package rulestore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dispatchmail/policyd/internal/policy"
)

// ConditionSpec is the stored form of a rule condition: a small tagged tree
// serialized as JSON in the database and as YAML in policy documents. It is
// decoded into the typed predicate tree once at fetch time, so the engine
// never parses strings during evaluation.
type ConditionSpec struct {
	Type     string          `json:"type" yaml:"type"`
	Header   string          `json:"header,omitempty" yaml:"header,omitempty"`
	Value    string          `json:"value,omitempty" yaml:"value,omitempty"`
	Match    string          `json:"match,omitempty" yaml:"match,omitempty"` // "is" or "contains" (default)
	Op       string          `json:"op,omitempty" yaml:"op,omitempty"`
	Bytes    int64           `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Part     string          `json:"part,omitempty" yaml:"part,omitempty"` // "from" or "to"
	Children []ConditionSpec `json:"children,omitempty" yaml:"children,omitempty"`
	Child    *ConditionSpec  `json:"child,omitempty" yaml:"child,omitempty"`
}

// Compile turns the spec into a predicate. Unknown types and malformed
// nodes return an error alongside a never-matching Unknown condition, so
// callers can log the defect and still evaluate the remaining rules.
func (s ConditionSpec) Compile() (policy.Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "all", "true":
		return policy.All{}, nil

	case "allof", "and":
		children, err := compileChildren(s.Children)
		if err != nil {
			return policy.Unknown{Type: s.Type}, err
		}
		return policy.AllOf{Children: children}, nil

	case "anyof", "or", "any":
		children, err := compileChildren(s.Children)
		if err != nil {
			return policy.Unknown{Type: s.Type}, err
		}
		return policy.AnyOf{Children: children}, nil

	case "not":
		if s.Child == nil {
			return policy.Unknown{Type: s.Type}, fmt.Errorf("not condition has no child")
		}
		child, err := s.Child.Compile()
		if err != nil {
			return policy.Unknown{Type: s.Type}, err
		}
		return policy.Not{Child: child}, nil

	case "header":
		if s.Header == "" {
			return policy.Unknown{Type: s.Type}, fmt.Errorf("header condition has no header name")
		}
		return policy.HeaderMatch{
			Name:  s.Header,
			Value: s.Value,
			Exact: strings.EqualFold(s.Match, "is"),
		}, nil

	case "exists":
		if s.Header == "" {
			return policy.Unknown{Type: s.Type}, fmt.Errorf("exists condition has no header name")
		}
		return policy.HeaderExists{Name: s.Header}, nil

	case "subject":
		return policy.SubjectContains{Value: s.Value}, nil

	case "from":
		return policy.SenderIs{Address: s.Value}, nil

	case "to":
		return policy.RecipientIs{Address: s.Value}, nil

	case "body":
		return policy.BodyContains{Value: s.Value}, nil

	case "size":
		op, err := sizeOp(s.Op)
		if err != nil {
			return policy.Unknown{Type: s.Type}, err
		}
		if s.Bytes < 0 {
			return policy.Unknown{Type: s.Type}, fmt.Errorf("size condition has negative bytes")
		}
		return policy.SizeCompare{Op: op, Bytes: s.Bytes}, nil

	case "envelope":
		part := policy.EnvelopePart(strings.ToLower(s.Part))
		if part != policy.EnvelopeFrom && part != policy.EnvelopeTo {
			return policy.Unknown{Type: s.Type}, fmt.Errorf("envelope condition part %q is invalid", s.Part)
		}
		return policy.EnvelopeMatch{
			Part:  part,
			Value: s.Value,
			Exact: strings.EqualFold(s.Match, "is"),
		}, nil
	}

	return policy.Unknown{Type: s.Type}, fmt.Errorf("unknown condition type %q", s.Type)
}

func compileChildren(specs []ConditionSpec) ([]policy.Condition, error) {
	children := make([]policy.Condition, 0, len(specs))
	for _, spec := range specs {
		child, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func sizeOp(op string) (policy.SizeOp, error) {
	switch op {
	case "<", "lt":
		return policy.SizeLess, nil
	case "<=", "le":
		return policy.SizeLessEqual, nil
	case "=", "==", "eq":
		return policy.SizeEqual, nil
	case ">=", "ge":
		return policy.SizeGreaterEqual, nil
	case ">", "gt":
		return policy.SizeGreater, nil
	}
	return "", fmt.Errorf("size condition op %q is invalid", op)
}

// decodeCondition decodes a stored conditions blob. An empty blob with
// condition type ALL is the common "match everything" rule and needs no
// tree.
func decodeCondition(blob []byte, conditionType string) (policy.Condition, error) {
	if len(blob) == 0 {
		if strings.EqualFold(conditionType, "ALL") {
			return policy.All{}, nil
		}
		return policy.Unknown{Type: conditionType}, fmt.Errorf("rule has condition type %q but no conditions", conditionType)
	}

	var spec ConditionSpec
	if err := json.Unmarshal(blob, &spec); err != nil {
		return policy.Unknown{Type: conditionType}, fmt.Errorf("decode conditions: %w", err)
	}
	return spec.Compile()
}

// encodeCondition serializes a spec for storage.
func encodeCondition(spec ConditionSpec) ([]byte, error) {
	return json.Marshal(spec)
}
