package extract

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Selector evaluates JMESPath expressions against decoded JSON payloads.
// Compiled expressions are cached.
type Selector struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewSelector creates a selector.
func NewSelector() *Selector {
	return &Selector{cache: make(map[string]*jmespath.JMESPath)}
}

// Decode parses a JSON payload.
func Decode(body []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return doc, nil
}

// Evaluate runs expression against doc.
func (s *Selector) Evaluate(expression string, doc any) (any, error) {
	compiled, err := s.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	result, err := compiled.Search(doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// Records selects the record list at expression. An object result is a
// single record and a null result is an empty page.
func (s *Selector) Records(expression string, doc any) ([]table.Row, error) {
	if expression == "" {
		expression = "@"
	}
	result, err := s.Evaluate(expression, doc)
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []table.Row{v}, nil
	case []any:
		rows := make([]table.Row, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %d at %q is %T, not an object", i, expression, item)
			}
			rows = append(rows, obj)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("expression %q selected %T, not a record list", expression, result)
	}
}

// Int evaluates expression and returns a numeric result as int.
func (s *Selector) Int(expression string, doc any) (int, bool) {
	result, err := s.Evaluate(expression, doc)
	if err != nil {
		return 0, false
	}
	f, ok := result.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String evaluates expression and returns a string result.
func (s *Selector) String(expression string, doc any) string {
	result, err := s.Evaluate(expression, doc)
	if err != nil || result == nil {
		return ""
	}
	if str, ok := result.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", result)
}

func (s *Selector) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	s.mu.RLock()
	if compiled, ok := s.cache[expression]; ok {
		s.mu.RUnlock()
		return compiled, nil
	}
	s.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[expression] = compiled
	s.mu.Unlock()
	return compiled, nil
}
