// Package md renders a project's tasks as markdown with YAML frontmatter
// (or JSON) and parses such documents back.
package md

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/qatrack/internal/store"
)

// Format is an export encoding.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatMarkdown, "markdown":
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown export format %q: valid formats are md, json", s)
}

// Export is a snapshot of one project.
type Export struct {
	Project     store.Project `json:"project"`
	Tasks       []store.Task  `json:"tasks"`
	Reason      string        `json:"reason,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Frontmatter is the YAML header of a markdown export.
type Frontmatter struct {
	Project     string `yaml:"project"`
	Name        string `yaml:"name"`
	Tasks       int    `yaml:"tasks"`
	LastSyncAt  string `yaml:"last_sync_at,omitempty"`
	GeneratedAt string `yaml:"generated_at"`
	Reason      string `yaml:"reason,omitempty"`
}

// Entry is one task section of a markdown export.
type Entry struct {
	Key          string
	Title        string
	RemoteStatus string
	QAStatus     string
	IssueType    string
	Priority     string
	Assignee     string
	Reporter     string
	Updated      string
	Memo         string
	Description  string
}

// Document is a parsed markdown export.
type Document struct {
	Frontmatter Frontmatter
	Entries     []Entry
}

// ToMarkdown renders e. Each task becomes a "## KEY: title" section with a
// field list followed by its description.
func ToMarkdown(e *Export) (string, error) {
	fm := Frontmatter{
		Project:     e.Project.Key,
		Name:        e.Project.Name,
		Tasks:       len(e.Tasks),
		LastSyncAt:  e.Project.LastSyncAt,
		GeneratedAt: e.GeneratedAt.UTC().Format(time.RFC3339),
		Reason:      e.Reason,
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n", e.Project.Name)

	for _, t := range e.Tasks {
		fmt.Fprintf(&b, "\n## %s: %s\n\n", t.Key, oneLine(t.Title))
		fields := []struct{ label, value string }{
			{"Status", t.RemoteStatus},
			{"QA", t.QAStatus},
			{"Type", t.IssueType},
			{"Priority", t.Priority},
			{"Assignee", t.Assignee},
			{"Reporter", t.Reporter},
			{"Updated", t.Updated},
			{"Memo", oneLine(t.Memo)},
		}
		for _, f := range fields {
			if f.value != "" {
				fmt.Fprintf(&b, "- %s: %s\n", f.label, f.value)
			}
		}
		if d := strings.TrimSpace(t.Description); d != "" {
			b.WriteString("\n")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FromMarkdown parses a document produced by ToMarkdown.
func FromMarkdown(content string) (*Document, error) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, errors.New("missing frontmatter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}

	doc := &Document{}
	if err := yaml.Unmarshal([]byte(rest[:end]), &doc.Frontmatter); err != nil {
		return nil, fmt.Errorf("malformed frontmatter: %w", err)
	}

	var cur *Entry
	var desc []string
	flush := func() {
		if cur != nil {
			cur.Description = strings.TrimSpace(strings.Join(desc, "\n"))
			doc.Entries = append(doc.Entries, *cur)
		}
		desc = nil
	}

	for _, line := range strings.Split(rest[end+len("\n---\n"):], "\n") {
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			key, title, _ := strings.Cut(heading, ": ")
			cur = &Entry{Key: key, Title: title}
			continue
		}
		if cur == nil {
			continue
		}
		if item, ok := strings.CutPrefix(line, "- "); ok && len(desc) == 0 {
			if label, value, ok := strings.Cut(item, ": "); ok && setField(cur, label, value) {
				continue
			}
		}
		if len(desc) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		desc = append(desc, line)
	}
	flush()
	return doc, nil
}

func setField(e *Entry, label, value string) bool {
	switch label {
	case "Status":
		e.RemoteStatus = value
	case "QA":
		e.QAStatus = value
	case "Type":
		e.IssueType = value
	case "Priority":
		e.Priority = value
	case "Assignee":
		e.Assignee = value
	case "Reporter":
		e.Reporter = value
	case "Updated":
		e.Updated = value
	case "Memo":
		e.Memo = value
	default:
		return false
	}
	return true
}

// ToJSON renders e as indented JSON.
func ToJSON(e *Export) ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return append(data, '\n'), nil
}

// Render encodes e in format.
func Render(e *Export, format Format) ([]byte, error) {
	if format == FormatJSON {
		return ToJSON(e)
	}
	s, err := ToMarkdown(e)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// WriteFile renders e and replaces path atomically.
func WriteFile(path string, format Format, e *Export) error {
	data, err := Render(e, format)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
