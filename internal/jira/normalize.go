package jira

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohanCodinha/qatrack/internal/logger"
)

const (
	// MaxDescriptionRunes bounds a normalized description.
	MaxDescriptionRunes = 1000

	UnknownValue    = "Unknown"
	UnassignedValue = "Unassigned"
)

// Record is the flat local shape of a remote issue.
type Record struct {
	Key           string
	ID            string
	Summary       string
	Description   string
	Status        string
	IssueType     string
	Priority      string
	Assignee      string
	AssigneeEmail string
	Reporter      string
	ReporterEmail string
	Created       string
	Updated       string
}

// Normalize flattens a raw issue. It never fails: any field that cannot be
// extracted degrades to its sentinel.
func Normalize(raw RawIssue) (rec Record) {
	rec = Record{
		Status:    UnknownValue,
		IssueType: UnknownValue,
		Priority:  UnknownValue,
		Assignee:  UnassignedValue,
		Reporter:  UnknownValue,
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("jira: normalizing %v: %v", raw["key"], r)
		}
	}()

	rec.Key = stringField(raw, "key")
	rec.ID = stringField(raw, "id")

	fields, _ := raw["fields"].(map[string]any)
	if fields == nil {
		return rec
	}

	rec.Summary = stringField(fields, "summary")
	rec.Description = descriptionText(fields["description"])
	rec.Status = namedField(fields, "status", "name", UnknownValue)
	rec.IssueType = namedField(fields, "issuetype", "name", UnknownValue)
	rec.Priority = namedField(fields, "priority", "name", UnknownValue)
	rec.Assignee = namedField(fields, "assignee", "displayName", UnassignedValue)
	rec.AssigneeEmail = namedField(fields, "assignee", "emailAddress", "")
	rec.Reporter = namedField(fields, "reporter", "displayName", UnknownValue)
	rec.ReporterEmail = namedField(fields, "reporter", "emailAddress", "")
	rec.Created = dateOnly(stringField(fields, "created"))
	rec.Updated = dateOnly(stringField(fields, "updated"))
	return rec
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// namedField reads fields[obj][attr], accepting a bare string in place of
// the nested object.
func namedField(fields map[string]any, obj, attr, fallback string) string {
	switch v := fields[obj].(type) {
	case map[string]any:
		if s, ok := v[attr].(string); ok && s != "" {
			return s
		}
	case string:
		if v != "" && attr != "emailAddress" {
			return v
		}
	}
	return fallback
}

func dateOnly(s string) string {
	if i := strings.IndexAny(s, "T "); i > 0 {
		return s[:i]
	}
	return s
}

// descriptionText extracts plain text from a description that may be an
// Atlassian Document Format tree, a string or something else entirely.
func descriptionText(v any) string {
	var text string
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		text = d
	case map[string]any:
		if _, isDoc := d["content"]; isDoc || d["type"] == "doc" {
			var parts []string
			collectText(d, &parts)
			text = strings.Join(parts, " ")
		} else if b, err := json.Marshal(d); err == nil {
			text = string(b)
		}
	default:
		text = fmt.Sprint(d)
	}
	return truncateRunes(strings.TrimSpace(text), MaxDescriptionRunes)
}

func collectText(node any, parts *[]string) {
	switch n := node.(type) {
	case map[string]any:
		if t, ok := n["text"].(string); ok && t != "" {
			*parts = append(*parts, t)
		}
		collectText(n["content"], parts)
	case []any:
		for _, child := range n {
			collectText(child, parts)
		}
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
