package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JohanCodinha/qatrack/internal/logger"
)

// FetchOptions bounds a project fetch.
type FetchOptions struct {
	// Cap is a hard limit on returned issues. Zero means the safety ceiling.
	Cap int
	// Quick restricts the fetch to the most recently updated issues.
	Quick bool
}

// Ladder returns the JQL queries tried for a project, most selective first.
func (c *Client) Ladder(projectKey string) []string {
	var ladder []string
	for i, days := range c.recencyWindows {
		ladder = append(ladder, fmt.Sprintf(`project = "%s" AND updated >= -%dd ORDER BY updated DESC`, projectKey, days))
		if i == 0 {
			// Some deployments reject the quoted key form.
			ladder = append(ladder, fmt.Sprintf(`project = %s AND updated >= -%dd ORDER BY updated DESC`, projectKey, days))
		}
	}
	return append(ladder, fmt.Sprintf(`project = "%s" ORDER BY updated DESC`, projectKey))
}

func (c *Client) fetchLimit(opts FetchOptions) int {
	limit := c.safetyCeiling
	if opts.Cap > 0 {
		limit = opts.Cap
	}
	if opts.Quick && c.quickLimit < limit {
		limit = c.quickLimit
	}
	return limit
}

// FetchProjectIssues retrieves the raw issues of a project, walking the
// query ladder until one rung yields results.
//
// 401 responses are returned immediately. A 410 within the first
// GoneThreshold attempts stops the ladder with a short-circuited
// *LadderError. If every rung succeeded but matched nothing the result is
// empty with a nil error; if no rung succeeded a *LadderError is returned.
func (c *Client) FetchProjectIssues(ctx context.Context, projectKey string, opts FetchOptions) ([]RawIssue, error) {
	ctx, span := tracer.Start(ctx, "jira.fetch_project_issues")
	defer span.End()

	limit := c.fetchLimit(opts)
	ladder := c.Ladder(projectKey)

	var attempts []Attempt
	anySucceeded := false

	for i, jql := range ladder {
		first, err := c.Search(ctx, TierLong, jql, 0, min(c.pageSize, limit))
		if err != nil {
			attempts = append(attempts, Attempt{JQL: jql, Err: err})

			if IsUnauthorized(err) {
				logger.Error("jira: credentials rejected for project %s: %v", projectKey, err)
				return nil, err
			}
			if IsGone(err) && i < c.goneThreshold {
				logger.Warn("jira: project %s is gone (410 on query %d), skipping remaining queries", projectKey, i+1)
				return nil, &LadderError{Project: projectKey, Attempts: attempts, ShortCircuited: true}
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("jira: query %d/%d for %s failed: %v", i+1, len(ladder), projectKey, err)
			continue
		}

		anySucceeded = true
		if len(first.Issues) == 0 {
			attempts = append(attempts, Attempt{JQL: jql, Total: first.Total})
			logger.Debug("jira: query %d/%d for %s returned no issues", i+1, len(ladder), projectKey)
			continue
		}

		logger.Info("jira: query %d/%d for %s matched %d issues", i+1, len(ladder), projectKey, first.Total)
		issues, err := c.paginate(ctx, jql, first, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to page through %s: %w", projectKey, err)
		}
		return issues, nil
	}

	if anySucceeded {
		logger.Info("jira: every query for %s succeeded with zero issues", projectKey)
		return []RawIssue{}, nil
	}
	return nil, &LadderError{Project: projectKey, Attempts: attempts}
}

// paginate continues a search from its first page until a short page, the
// declared total or limit is reached.
func (c *Client) paginate(ctx context.Context, jql string, first *SearchPage, limit int) ([]RawIssue, error) {
	pageSize := c.pageSize
	if first.MaxResults > 0 && first.MaxResults < pageSize {
		// server-side cap on maxResults
		pageSize = first.MaxResults
	}

	issues := make([]RawIssue, 0, min(limit, max(first.Total, len(first.Issues))))
	issues = append(issues, first.Issues...)
	page := first

	for len(issues) < limit {
		if len(page.Issues) < pageSize {
			break
		}
		if page.Total > 0 && len(issues) >= page.Total {
			break
		}

		next, err := c.Search(ctx, TierLong, jql, len(issues), min(pageSize, limit-len(issues)))
		if err != nil {
			return nil, err
		}
		if len(next.Issues) == 0 {
			break
		}
		issues = append(issues, next.Issues...)
		page = next
	}

	if len(issues) > limit {
		issues = issues[:limit]
	}
	logger.Debug("jira: fetched %d issues", len(issues))
	return issues, nil
}

// IsProjectMissing reports whether err means the project cannot be seen at
// all, as opposed to a transient or query-shape failure.
func IsProjectMissing(err error) bool {
	switch statusOf(err) {
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return true
	}
	var le *LadderError
	return errors.As(err, &le) && le.ShortCircuited
}
