// Package diagnose explains why a project sync found nothing and proposes
// other project keys to try.
package diagnose

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
)

// MaxAlternatives bounds SuggestAlternatives.
const MaxAlternatives = 5

// Remote is the subset of the Jira client the resolver needs.
type Remote interface {
	ProjectStatus(ctx context.Context, key string) (int, error)
	ProjectIssueCount(ctx context.Context, key string) (int, error)
	ListProjects(ctx context.Context) ([]jira.Project, error)
}

// Resolver diagnoses empty or failed syncs.
type Resolver struct {
	remote Remote
}

// New creates a Resolver.
func New(remote Remote) *Resolver {
	return &Resolver{remote: remote}
}

// Alternative is a project that might be the one the user meant.
type Alternative struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	IssueCount int    `json:"issue_count"`
}

// Diagnosis explains a zero-result sync.
type Diagnosis struct {
	ProjectKey   string        `json:"project_key"`
	Exists       bool          `json:"exists"`
	Accessible   bool          `json:"accessible"`
	IssueCount   int           `json:"issue_count"`
	StatusCode   int           `json:"status_code,omitempty"`
	Causes       []string      `json:"causes"`
	Remediation  []string      `json:"remediation"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Summary renders the diagnosis as one line.
func (d *Diagnosis) Summary() string {
	s := fmt.Sprintf("%s: exists=%t accessible=%t issues=%d", d.ProjectKey, d.Exists, d.Accessible, d.IssueCount)
	if len(d.Causes) > 0 {
		s += "; " + d.Causes[0]
	}
	if len(d.Alternatives) > 0 {
		keys := make([]string, len(d.Alternatives))
		for i, a := range d.Alternatives {
			keys[i] = a.Key
		}
		s += "; try " + strings.Join(keys, ", ")
	}
	return s
}

// Exists reports whether the project is visible. 404, 403 and 410 mean no;
// any other status is treated as yes. Only transport failures are errors.
func (r *Resolver) Exists(ctx context.Context, key string) (bool, error) {
	exists, _, err := r.exists(ctx, key)
	return exists, err
}

func (r *Resolver) exists(ctx context.Context, key string) (bool, int, error) {
	code, err := r.remote.ProjectStatus(ctx, key)
	if err != nil {
		return false, 0, err
	}
	switch code {
	case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
		return false, code, nil
	default:
		return true, code, nil
	}
}

// Diagnose builds a Diagnosis for key.
func (r *Resolver) Diagnose(ctx context.Context, key string) (*Diagnosis, error) {
	d := &Diagnosis{ProjectKey: key}

	exists, code, err := r.exists(ctx, key)
	d.StatusCode = code
	if err != nil {
		d.Causes = []string{fmt.Sprintf("Jira could not be reached: %v", err)}
		d.Remediation = []string{
			"Check the Jira base URL and network access from this host",
			"Retry once connectivity is restored",
		}
		return d, nil
	}
	d.Exists = exists

	if !exists {
		d.Causes = []string{
			fmt.Sprintf("Project %s was not found (HTTP %d)", key, code),
			"The key may be misspelled or the project may have been archived, renamed or deleted",
			"Your account may lack the Browse Projects permission for it",
		}
		d.Remediation = []string{
			"Check the project key spelling in Jira (keys are upper case)",
			"Ask a Jira administrator to grant Browse Projects permission",
			"Pick one of the suggested alternative projects",
		}
		alts, err := r.SuggestAlternatives(ctx, key)
		if err != nil {
			logger.Warn("diagnose: suggesting alternatives for %s: %v", key, err)
		}
		d.Alternatives = alts
		return d, nil
	}

	count, err := r.remote.ProjectIssueCount(ctx, key)
	if err != nil {
		d.Causes = []string{
			fmt.Sprintf("Project %s exists but its issues could not be searched: %v", key, err),
		}
		d.Remediation = []string{
			"Check that your account can run JQL searches on this project",
			"Check for issue security schemes hiding issues from your account",
		}
		return d, nil
	}
	d.Accessible = true
	d.IssueCount = count

	if count == 0 {
		d.Causes = []string{
			fmt.Sprintf("Project %s exists but no issues are visible", key),
			"The project may be empty, or issue-level security may hide every issue",
		}
		d.Remediation = []string{
			"Open the project in Jira and confirm it contains issues",
			"Ask an administrator to check issue security levels and Browse permission",
			"Sync again once issues are visible; the last query has no date filter, so older issues are included",
		}
		return d, nil
	}

	d.Causes = []string{
		fmt.Sprintf("Project %s has %d visible issues; the sync queries may have been rejected or timed out", key, count),
	}
	d.Remediation = []string{
		"Retry the sync",
		"Raise timeouts.long if the search queries timed out",
		"Sync the issues you need by key with a selected sync, which bypasses the project search",
	}
	return d, nil
}

type candidate struct {
	project jira.Project
	score   int
	count   int
}

type candidateSource []candidate

func (s candidateSource) String(i int) string { return s[i].project.Key + " " + s[i].project.Name }
func (s candidateSource) Len() int            { return len(s) }

// SuggestAlternatives finds projects whose key or name resembles failedKey,
// keeps those with issues, and returns the largest first.
func (r *Resolver) SuggestAlternatives(ctx context.Context, failedKey string) ([]Alternative, error) {
	projects, err := r.remote.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var cands candidateSource
	for _, p := range projects {
		if !strings.EqualFold(p.Key, failedKey) && resembles(failedKey, p) {
			cands = append(cands, candidate{project: p})
		}
	}
	if len(cands) == 0 {
		return []Alternative{}, nil
	}

	for _, m := range fuzzy.FindFrom(failedKey, cands) {
		cands[m.Index].score = m.Score
	}

	kept := cands[:0]
	for _, c := range cands {
		n, err := r.remote.ProjectIssueCount(ctx, c.project.Key)
		if err != nil {
			logger.Debug("diagnose: count probe for %s failed: %v", c.project.Key, err)
			continue
		}
		if n > 0 {
			c.count = n
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].count != kept[j].count {
			return kept[i].count > kept[j].count
		}
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].project.Key < kept[j].project.Key
	})

	out := make([]Alternative, 0, min(len(kept), MaxAlternatives))
	for _, c := range kept[:min(len(kept), MaxAlternatives)] {
		out = append(out, Alternative{Key: c.project.Key, Name: c.project.Name, IssueCount: c.count})
	}
	return out, nil
}

// resembles reports a case-insensitive substring match in either direction
// against the key or name, or a shared hyphen token of three or more
// characters.
func resembles(failedKey string, p jira.Project) bool {
	f := strings.ToLower(failedKey)
	for _, s := range []string{strings.ToLower(p.Key), strings.ToLower(p.Name)} {
		if s == "" {
			continue
		}
		if strings.Contains(s, f) || strings.Contains(f, s) {
			return true
		}
	}

	want := tokens(f)
	if len(want) == 0 {
		return false
	}
	for _, s := range []string{p.Key, p.Name} {
		for t := range tokens(strings.ToLower(s)) {
			if want[t] {
				return true
			}
		}
	}
	return false
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == ' ' || r == '_' }) {
		if len(part) >= 3 {
			out[part] = true
		}
	}
	return out
}
