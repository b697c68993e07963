// Package skills discovers skills under a single skills root. A skill is a
// directory holding a SKILL.md descriptor, whose front matter header carries
// free-form key: value metadata, and a scripts/ directory with its entry
// point. Skills are read-only to this package.
package skills

// Skill represents a discovered skill with its metadata
type Skill struct {
	Name           string            // Directory name, validated by the caller
	Description    string            // From the descriptor header, may be empty
	Directory      string            // Absolute path to the skill directory
	DescriptorPath string            // Absolute path to SKILL.md
	Metadata       map[string]string // Header key/value pairs, always holds "name"
	Content        string            // Descriptor body without the header
}
