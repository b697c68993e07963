// Package validator holds the pure input checks applied to every externally
// supplied skill name, path and context before it reaches the filesystem or
// a subprocess. Each check is stateless and returns a *skills.Error carrying
// the offending value and the violated constraint.
package validator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"unsafe"

	"github.com/jingkaihe/skillrunner/pkg/types/skills"
)

var skillNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,49}$`)

// ReservedNames can never be used as skill names.
var ReservedNames = []string{"system", "admin", "root", "config", "common", "internal"}

// MaxContextDepth bounds how deeply maps and arrays may nest in a context.
const MaxContextDepth = 64

// ReservedKeys are stripped from contexts at every nesting level.
var ReservedKeys = []string{"__proto__", "constructor", "prototype"}

// ValidateSkillName checks name against the skill identifier grammar and the
// reserved word list.
func ValidateSkillName(name string) error {
	if !skillNamePattern.MatchString(name) {
		return skills.NewError(skills.CodeInvalidName, "skill name must match "+skillNamePattern.String(), map[string]any{
			"value":    name,
			"expected": skillNamePattern.String(),
		})
	}
	if slices.Contains(ReservedNames, name) {
		return skills.NewError(skills.CodeInvalidName, "skill name is reserved", map[string]any{
			"value":    name,
			"reserved": ReservedNames,
		})
	}
	return nil
}

// ValidatePath resolves path to an absolute path that must stay inside
// allowedRoot. Parent-directory segments are rejected before resolution.
// When the path exists, symlinks are resolved before the containment check.
func ValidatePath(path, allowedRoot string, mustExist bool) (string, error) {
	if hasParentSegment(path) {
		return "", skills.NewError(skills.CodePathTraversal, "path contains a parent directory segment", map[string]any{
			"value": path,
		})
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", skills.WrapError(err, skills.CodePathTraversal, "failed to resolve path")
	}
	absRoot, err := filepath.Abs(allowedRoot)
	if err != nil {
		return "", skills.WrapError(err, skills.CodePathTraversal, "failed to resolve allowed root")
	}

	if !within(absPath, absRoot) {
		return "", outsideRoot(path, allowedRoot)
	}

	if _, err := os.Lstat(absPath); err != nil {
		if os.IsNotExist(err) && !mustExist {
			return absPath, nil
		}
		return "", skills.NewError(skills.CodeNotFound, "path does not exist", map[string]any{
			"value": path,
		})
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", skills.WrapError(err, skills.CodePathTraversal, "failed to resolve symlinks")
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		realRoot = absRoot
	}
	if !within(realPath, realRoot) {
		return "", outsideRoot(path, allowedRoot)
	}

	return absPath, nil
}

func outsideRoot(path, root string) error {
	return skills.NewError(skills.CodePathTraversal, "path resolves outside the allowed root", map[string]any{
		"value":       path,
		"allowedRoot": root,
	})
}

func hasParentSegment(path string) bool {
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return true
		}
	}
	return false
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// ValidateExtension fails unless filename has one of the allowed extensions.
// Extensions are compared case-insensitively and include the leading dot.
func ValidateExtension(filename string, allowed []string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext != "" && ext == strings.ToLower(a) {
			return nil
		}
	}
	return skills.NewError(skills.CodeUnsupportedExtension, "file extension is not allowed", map[string]any{
		"value":    filepath.Base(filename),
		"expected": allowed,
	})
}

// ValidateInteger fails unless min <= value <= max.
func ValidateInteger(name string, value, min, max int64) error {
	if value < min || value > max {
		return skills.NewError(skills.CodeOutOfRange, name+" is out of range", map[string]any{
			"field": name,
			"value": value,
			"min":   min,
			"max":   max,
		})
	}
	return nil
}

// ValidateEnumArray fails on the first element of values that is not in allowed.
func ValidateEnumArray(name string, values, allowed []string) error {
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return skills.NewError(skills.CodeInvalidEnumValue, name+" contains an unsupported value", map[string]any{
				"field":    name,
				"value":    v,
				"expected": allowed,
			})
		}
	}
	return nil
}

// SanitizeContext returns a deep copy of context with every reserved key
// removed at every depth. Only JSON objects are accepted at the top level;
// a nil context is treated as an empty object and strings are parsed as
// JSON text. Reference cycles, nesting beyond MaxContextDepth and values
// that cannot be encoded as JSON are rejected. The caller's value is never
// modified.
func SanitizeContext(context any) (map[string]any, error) {
	switch c := context.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return cloneMap(c)
	case string:
		return sanitizeJSON([]byte(c))
	case json.RawMessage:
		return sanitizeJSON(c)
	case []byte:
		return sanitizeJSON(c)
	}

	normalized, err := normalize(context)
	if err != nil {
		return nil, invalidContext("context is not JSON serializable", context)
	}
	m, ok := normalized.(map[string]any)
	if !ok {
		return nil, invalidContext("context must be an object", context)
	}
	return cloneMap(m)
}

func sanitizeJSON(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalidContext("context is not valid JSON", string(raw))
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalidContext("context must be an object", string(raw))
	}
	return cloneMap(m)
}

func invalidContext(message string, value any) error {
	return skills.NewError(skills.CodeInvalidContext, message, map[string]any{
		"type": typeName(value),
	})
}

func typeName(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return "number"
	}
	if normalized, err := normalize(v); err == nil {
		if _, ok := normalized.([]any); ok {
			return "array"
		}
	}
	return "unknown"
}

// cloner deep-copies a context. It rejects cycles and nesting beyond
// MaxContextDepth instead of recursing without bound.
type cloner struct {
	ancestors map[unsafe.Pointer]struct{}
}

func cloneMap(m map[string]any) (map[string]any, error) {
	c := &cloner{ancestors: map[unsafe.Pointer]struct{}{}}
	return c.cloneMap(m, 1)
}

func (c *cloner) enter(v any, depth int) (unsafe.Pointer, error) {
	if depth > MaxContextDepth {
		return nil, skills.NewError(skills.CodeInvalidContext, "context is nested too deeply", map[string]any{
			"maxDepth": MaxContextDepth,
		})
	}
	ptr := reflect.ValueOf(v).UnsafePointer()
	if ptr == nil {
		return nil, nil
	}
	if _, ok := c.ancestors[ptr]; ok {
		return nil, skills.NewError(skills.CodeInvalidContext, "context contains a reference cycle", map[string]any{
			"depth": depth,
		})
	}
	c.ancestors[ptr] = struct{}{}
	return ptr, nil
}

func (c *cloner) leave(ptr unsafe.Pointer) {
	if ptr != nil {
		delete(c.ancestors, ptr)
	}
}

func (c *cloner) cloneMap(m map[string]any, depth int) (map[string]any, error) {
	ptr, err := c.enter(m, depth)
	if err != nil {
		return nil, err
	}
	defer c.leave(ptr)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if slices.Contains(ReservedKeys, k) {
			continue
		}
		cloned, err := c.cloneValue(v, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = cloned
	}
	return out, nil
}

func (c *cloner) cloneSlice(s []any, depth int) ([]any, error) {
	var ptr unsafe.Pointer
	if len(s) > 0 {
		var err error
		if ptr, err = c.enter(s, depth); err != nil {
			return nil, err
		}
		defer c.leave(ptr)
	}

	out := make([]any, len(s))
	for i, item := range s {
		cloned, err := c.cloneValue(item, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = cloned
	}
	return out, nil
}

func (c *cloner) cloneValue(v any, depth int) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return c.cloneMap(val, depth)
	case []any:
		return c.cloneSlice(val, depth)
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val, nil
	}

	normalized, err := normalize(v)
	if err != nil {
		return nil, invalidContext("context value is not JSON serializable", v)
	}
	return c.cloneValue(normalized, depth)
}

// normalize round-trips v through JSON so typed maps, slices and structs
// become the generic map[string]any / []any representation.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
