package osutil

import (
	"path/filepath"
	"strings"
)

// extensionToInterpreter maps script extensions to the program that runs them
var extensionToInterpreter = map[string]string{
	"py":   "python3",
	"js":   "node",
	"mjs":  "node",
	"sh":   "bash",
	"bash": "bash",
}

// SupportedScriptExtensions lists every extension InterpreterFor knows about,
// with the leading dot.
func SupportedScriptExtensions() []string {
	return []string{".py", ".js", ".mjs", ".sh", ".bash"}
}

// InterpreterFor returns the interpreter for a script path based on its
// extension. Returns an empty string if the script should be executed directly.
func InterpreterFor(scriptPath string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(scriptPath), "."))
	if ext == "" {
		return ""
	}

	return extensionToInterpreter[ext]
}
