package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vars is the merged variable tree available to ${...} references.
type Vars map[string]any

// loadVars resolves a vars list. Strings name YAML files relative to dir,
// mappings are inline values. Later entries override earlier ones.
func loadVars(dir string, node *yaml.Node) (Vars, []string, error) {
	vars := Vars{}
	if node == nil || node.Kind == 0 {
		return vars, nil, nil
	}
	entries := []*yaml.Node{node}
	if node.Kind == yaml.SequenceNode {
		entries = node.Content
	}
	var includes []string
	for _, entry := range entries {
		var m map[string]any
		switch entry.Kind {
		case yaml.ScalarNode:
			path := entry.Value
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("read vars: %w", err)
			}
			if err := yaml.Unmarshal(b, &m); err != nil {
				return nil, nil, fmt.Errorf("parse vars %s: %w", entry.Value, err)
			}
			includes = append(includes, path)
		case yaml.MappingNode:
			if err := entry.Decode(&m); err != nil {
				return nil, nil, fmt.Errorf("parse vars: line %d: %w", entry.Line, err)
			}
		default:
			return nil, nil, fmt.Errorf("parse vars: line %d: expected a file name or a mapping", entry.Line)
		}
		merge(vars, m)
	}
	return vars, includes, nil
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		cur, curOK := dst[k].(map[string]any)
		if ok && curOK {
			merge(cur, sub)
			continue
		}
		if ok {
			cp := map[string]any{}
			merge(cp, sub)
			v = cp
		}
		dst[k] = v
	}
}

// Lookup resolves a dotted name ("train.output_dir") to its string form.
func (v Vars) Lookup(name string) (string, error) {
	var cur any = map[string]any(v)
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w ${%s}", ErrUnknownVar, name)
		}
		cur, ok = m[part]
		if !ok {
			return "", fmt.Errorf("%w ${%s}", ErrUnknownVar, name)
		}
	}
	if list, ok := cur.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := scalar(item)
			if !ok {
				return "", fmt.Errorf("%w: ${%s}", ErrNonScalar, name)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	s, ok := scalar(cur)
	if !ok {
		return "", fmt.Errorf("%w: ${%s}", ErrNonScalar, name)
	}
	return s, nil
}

// Names lists every scalar or list variable as a dotted name, sorted.
func (v Vars) Names() []string {
	var out []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(name, sub)
				continue
			}
			out = append(out, name)
		}
	}
	walk("", v)
	sort.Strings(out)
	return out
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// Interpolate replaces every ${name} in s.
func (v Vars) Interpolate(s string) (string, error) {
	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i+2:]
		j := strings.IndexByte(rest, '}')
		if j < 0 {
			return "", fmt.Errorf("%w in %q", ErrUnclosed, s)
		}
		val, err := v.Lookup(strings.TrimSpace(rest[:j]))
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		rest = rest[j+1:]
	}
}

// isPlaceholder reports whether s is exactly one ${...} reference.
func isPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.Index(s, "}") == len(s)-1
}

// interpolateNode rewrites scalar values below node in place. Mapping keys
// are left alone. A value that is a single reference loses its tag and
// quoting so the substituted text resolves to its own YAML type.
func (v Vars) interpolateNode(node *yaml.Node, field string) (string, error) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, c := range node.Content {
			name := field
			if node.Kind == yaml.SequenceNode {
				name = fmt.Sprintf("%s[%d]", field, i)
			}
			if bad, err := v.interpolateNode(c, name); err != nil {
				return bad, err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			if field != "" {
				name = field + "." + name
			}
			if bad, err := v.interpolateNode(node.Content[i+1], name); err != nil {
				return bad, err
			}
		}
	case yaml.ScalarNode:
		if !strings.Contains(node.Value, "${") {
			return "", nil
		}
		whole := isPlaceholder(node.Value)
		out, err := v.Interpolate(node.Value)
		if err != nil {
			return field, err
		}
		node.Value = out
		if whole {
			node.Tag = ""
			node.Style = 0
		}
	}
	return "", nil
}
