package aggregate

import (
	"testing"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

func issueIDs(issues []gitlabapi.Issue) []int64 {
	ids := make([]int64, 0, len(issues))
	for _, issue := range issues {
		ids = append(ids, issue.ID)
	}
	return ids
}

func TestReconcileIssuesFirstStrategyWins(t *testing.T) {
	t.Parallel()

	assigned := []gitlabapi.Issue{
		{ID: 555, Title: "Flaky import", State: "opened"},
		{ID: 600, Title: "Broken link"},
	}
	authored := []gitlabapi.Issue{
		{ID: 555, Title: "Flaky import", State: "closed"},
		{ID: 700, Title: "New dashboard"},
	}

	merged := ReconcileIssues([][]gitlabapi.Issue{assigned, authored}, nil, "Alice Kumar")
	if len(merged) != 3 {
		t.Fatalf("ReconcileIssues() length = %d, want 3: %v", len(merged), issueIDs(merged))
	}
	for _, issue := range merged {
		if issue.ID == 555 && issue.State != "opened" {
			t.Fatalf("issue 555 state = %q, want the first strategy's copy", issue.State)
		}
	}
}

func TestReconcileIssuesIsIdempotent(t *testing.T) {
	t.Parallel()

	issues := []gitlabapi.Issue{{ID: 1}, {ID: 2}}
	merged := ReconcileIssues([][]gitlabapi.Issue{issues, issues, issues}, issues, "")
	if len(merged) != 2 {
		t.Fatalf("ReconcileIssues() length = %d, want 2", len(merged))
	}
}

func TestReconcileIssuesNameFallback(t *testing.T) {
	t.Parallel()

	fullScan := []gitlabapi.Issue{
		{ID: 10, Title: "Pair with alice kumar on onboarding"},
		{ID: 11, Title: "Untitled", Description: "Waiting on Alice Kumar's review"},
		{ID: 12, Title: "Unrelated", Description: "No mention here"},
		{ID: 13, Title: "Already assigned"},
	}
	assigned := []gitlabapi.Issue{{ID: 13, Title: "Already assigned"}}

	merged := ReconcileIssues([][]gitlabapi.Issue{assigned}, fullScan, "Alice Kumar")
	if len(merged) != 3 {
		t.Fatalf("ReconcileIssues() length = %d, want 3: %v", len(merged), issueIDs(merged))
	}
	want := map[int64]bool{10: true, 11: true, 13: true}
	for _, issue := range merged {
		if !want[issue.ID] {
			t.Fatalf("unexpected issue %d in merged set", issue.ID)
		}
	}
}

func TestReconcileIssuesEmptyNameSkipsFallback(t *testing.T) {
	t.Parallel()

	fullScan := []gitlabapi.Issue{{ID: 10, Title: "anything"}}
	merged := ReconcileIssues(nil, fullScan, "  ")
	if len(merged) != 0 {
		t.Fatalf("ReconcileIssues() length = %d, want 0", len(merged))
	}
}
