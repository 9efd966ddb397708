package aggregate

import (
	"strings"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

// ReconcileIssues merges the overlapping issue fetch strategies for one
// member into a deduplicated list. Strategies are applied in order and the
// first occurrence of an issue id wins; later strategies cannot change or
// re-add an issue already seen.
//
// fullScan is the unfiltered project issue list. It only contributes issues
// whose title or description mentions the member's display name, which
// catches issues the API-side filters miss.
func ReconcileIssues(strategies [][]gitlabapi.Issue, fullScan []gitlabapi.Issue, memberName string) []gitlabapi.Issue {
	seen := make(map[int64]struct{})
	merged := make([]gitlabapi.Issue, 0)

	for _, issues := range strategies {
		for _, issue := range issues {
			if _, ok := seen[issue.ID]; ok {
				continue
			}
			seen[issue.ID] = struct{}{}
			merged = append(merged, issue)
		}
	}

	needle := strings.ToLower(strings.TrimSpace(memberName))
	if needle == "" {
		return merged
	}
	for _, issue := range fullScan {
		if _, ok := seen[issue.ID]; ok {
			continue
		}
		if !mentionsName(issue, needle) {
			continue
		}
		seen[issue.ID] = struct{}{}
		merged = append(merged, issue)
	}

	return merged
}

func mentionsName(issue gitlabapi.Issue, lowerName string) bool {
	if strings.Contains(strings.ToLower(issue.Title), lowerName) {
		return true
	}
	return strings.Contains(strings.ToLower(issue.Description), lowerName)
}
