package skills

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/jingkaihe/skillrunner/pkg/validator"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

const (
	// DescriptorFileName is the required descriptor inside every skill directory.
	DescriptorFileName = "SKILL.md"
	// ScriptsDirName holds the skill's entry points.
	ScriptsDirName = "scripts"
	// DefaultRoot is used when no root is configured.
	DefaultRoot = "./skills"
)

// ConventionalScripts are tried in order before falling back to the first
// executable file in the scripts directory.
var ConventionalScripts = []string{
	"scripts/main.py",
	"scripts/main.js",
	"scripts/main.sh",
	"scripts/index.js",
	"scripts/run.py",
	"scripts/run.sh",
}

// Discovery resolves skills and their entry scripts under one root directory
type Discovery struct {
	root string
}

// Option is a function that configures a Discovery
type Option func(*Discovery) error

// WithRoot sets the skills root directory
func WithRoot(dir string) Option {
	return func(d *Discovery) error {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve skills root %s", dir)
		}
		d.root = abs
		return nil
	}
}

// NewDiscovery creates a new skill discovery instance
func NewDiscovery(opts ...Option) (*Discovery, error) {
	d := &Discovery{}

	if err := WithRoot(DefaultRoot)(d); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Root returns the absolute skills root
func (d *Discovery) Root() string {
	return d.root
}

// Resolve locates the named skill and loads its descriptor. A missing skill
// directory or descriptor yields SkillNotFound. An unreadable header never
// fails: the metadata degrades to just the name.
func (d *Discovery) Resolve(ctx context.Context, name string) (*Skill, error) {
	dir, err := validator.ValidatePath(filepath.Join(d.root, name), d.root, true)
	if err != nil {
		if skilltypes.CodeOf(err) == skilltypes.CodeNotFound {
			return nil, skillNotFound(name, d.root)
		}
		return nil, err
	}

	descriptorPath := filepath.Join(dir, DescriptorFileName)
	info, err := os.Stat(descriptorPath)
	if err != nil || info.IsDir() {
		return nil, skillNotFound(name, d.root)
	}

	skill := &Skill{
		Name:           name,
		Directory:      dir,
		DescriptorPath: descriptorPath,
		Metadata:       map[string]string{"name": name},
	}

	metadata, content, err := loadDescriptor(descriptorPath)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("skill", name).Debug("failed to parse skill descriptor, using minimal metadata")
		return skill, nil
	}

	for k, v := range metadata {
		skill.Metadata[k] = v
	}
	if _, ok := metadata["name"]; !ok {
		skill.Metadata["name"] = name
	}
	skill.Description = skill.Metadata["description"]
	skill.Content = content

	return skill, nil
}

func skillNotFound(name, root string) error {
	return skilltypes.NewError(skilltypes.CodeSkillNotFound, fmt.Sprintf("skill '%s' not found", name), map[string]any{
		"skill": name,
		"root":  root,
	})
}

// ResolveScript picks the skill's entry script: the first conventional
// filename that exists, otherwise the first file in scripts/ (by name) with
// an executable bit set.
func (d *Discovery) ResolveScript(skill *Skill) (string, error) {
	for _, candidate := range ConventionalScripts {
		path := filepath.Join(skill.Directory, candidate)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}

	scriptsDir := filepath.Join(skill.Directory, ScriptsDirName)
	entries, err := os.ReadDir(scriptsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Mode()&0o111 == 0 {
				continue
			}
			return filepath.Join(scriptsDir, entry.Name()), nil
		}
	}

	return "", skilltypes.NewError(skilltypes.CodeNoExecutableScript, fmt.Sprintf("no executable script found for skill '%s'", skill.Name), map[string]any{
		"skill":     skill.Name,
		"searched":  ConventionalScripts,
		"directory": scriptsDir,
	})
}

// List returns every valid skill under the root whose name matches pattern.
// An empty pattern matches everything.
func (d *Discovery) List(ctx context.Context, pattern string) ([]*Skill, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, errors.Errorf("invalid skill pattern %q", pattern)
	}

	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read skills root %s", d.root)
	}

	var found []*Skill
	for _, entry := range entries {
		name := entry.Name()
		if validator.ValidateSkillName(name) != nil {
			continue
		}
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, name); !ok {
				continue
			}
		}
		skill, err := d.Resolve(ctx, name)
		if err != nil {
			continue
		}
		found = append(found, skill)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Name < found[j].Name
	})
	return found, nil
}

// loadDescriptor parses the header of a SKILL.md file
func loadDescriptor(path string) (map[string]string, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read skill file")
	}

	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()

	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, "", errors.Wrap(err, "failed to parse markdown")
	}

	raw, err := meta.TryGet(pctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid frontmatter")
	}
	if len(raw) == 0 {
		return nil, "", errors.New("missing frontmatter")
	}

	metadata := make(map[string]string, len(raw))
	for k, v := range raw {
		metadata[k] = fmt.Sprint(v)
	}

	return metadata, extractBodyContent(string(content)), nil
}

// extractBodyContent removes the front matter header and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}
