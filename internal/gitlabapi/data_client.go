package gitlabapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://code.swecha.org/api/v4/"

// Member is one person in a tracked group and the source of truth for who
// counts toward aggregation.
type Member struct {
	ID          int64
	Username    string
	Name        string
	AccessLevel int
}

// Project is one repository-bearing GitLab project.
type Project struct {
	ID                int64
	Name              string
	PathWithNamespace string
}

// Commit is one repository commit. Commits carry only a free-text author
// name, not a platform user id.
type Commit struct {
	ID         string
	Title      string
	AuthorName string
	CreatedAt  time.Time
}

// MergeRequest is one merge request summary.
type MergeRequest struct {
	ID         int64
	IID        int64
	Title      string
	AuthorName string
	AuthorID   int64
	State      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Issue is one issue. ID is unique across the instance and is the
// deduplication key across fetch strategies; IID is only unique per project.
type Issue struct {
	ID          int64
	IID         int64
	ProjectID   int64
	Title       string
	Description string
	AuthorName  string
	AuthorID    int64
	State       string
	Labels      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Note is one comment on an issue.
type Note struct {
	ID             int64
	AuthorUsername string
	Body           string
	CreatedAt      time.Time
}

// User is detailed info for one GitLab user.
type User struct {
	ID           int64
	Username     string
	Name         string
	LastSignInAt time.Time
}

// MemberList is the typed result for listing group members.
type MemberList struct {
	Members   []Member
	Truncated bool
}

// ProjectList is the typed result for listing projects.
type ProjectList struct {
	Projects  []Project
	Truncated bool
}

// CommitList is the typed result for listing commits in a window.
type CommitList struct {
	Commits   []Commit
	Truncated bool
}

// MergeRequestList is the typed result for listing merge requests in a window.
type MergeRequestList struct {
	MergeRequests []MergeRequest
	Truncated     bool
}

// IssueList is the typed result for one issue fetch strategy.
type IssueList struct {
	Issues    []Issue
	Truncated bool
}

// DataClient is a typed GitLab REST data client over the retrying request
// client. List calls are best-effort: a failure mid-walk returns the pages
// already collected together with the error.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
	maxPages      int
}

// NewDataClient creates a typed data client. maxPages <= 0 uses the default
// page ceiling.
func NewDataClient(baseURL string, requestClient *Client, maxPages int) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
		maxPages:      maxPages,
	}, nil
}

// ListGroupMembers lists all members of one group, including inherited ones.
func (c *DataClient) ListGroupMembers(ctx context.Context, group string) (MemberList, error) {
	trimmed := strings.TrimSpace(group)
	if trimmed == "" {
		return MemberList{}, fmt.Errorf("group is required")
	}

	pageURL := c.endpoint("groups", url.PathEscape(trimmed), "members", "all")
	walk, err := collectPages[memberPayload](ctx, c.requestClient, pageURL, nil, c.maxPages)

	result := MemberList{Truncated: walk.Truncated}
	for _, member := range walk.Items {
		result.Members = append(result.Members, Member{
			ID:          member.ID,
			Username:    member.Username,
			Name:        member.Name,
			AccessLevel: member.AccessLevel,
		})
	}
	if err != nil {
		return result, fmt.Errorf("list group members for %q: %w", trimmed, err)
	}
	return result, nil
}

// ListGroupProjects lists the projects of one group.
func (c *DataClient) ListGroupProjects(ctx context.Context, group string) (ProjectList, error) {
	trimmed := strings.TrimSpace(group)
	if trimmed == "" {
		return ProjectList{}, fmt.Errorf("group is required")
	}

	pageURL := c.endpoint("groups", url.PathEscape(trimmed), "projects")
	walk, err := collectPages[projectPayload](ctx, c.requestClient, pageURL, nil, c.maxPages)

	result := projectListFromWalk(walk)
	if err != nil {
		return result, fmt.Errorf("list group projects for %q: %w", trimmed, err)
	}
	return result, nil
}

// ListAccessibleProjects lists projects the token holder is a member of,
// newest activity first.
func (c *DataClient) ListAccessibleProjects(ctx context.Context) (ProjectList, error) {
	params := url.Values{}
	params.Set("membership", "true")
	params.Set("simple", "true")
	params.Set("order_by", "last_activity_at")
	params.Set("sort", "desc")

	pageURL := c.endpoint("projects")
	walk, err := collectPages[projectPayload](ctx, c.requestClient, pageURL, params, c.maxPages)

	result := projectListFromWalk(walk)
	if err != nil {
		return result, fmt.Errorf("list accessible projects: %w", err)
	}
	return result, nil
}

// ListCommits lists commits since a cutoff across all branches of a project.
func (c *DataClient) ListCommits(ctx context.Context, projectID int64, since time.Time) (CommitList, error) {
	if projectID <= 0 {
		return CommitList{}, fmt.Errorf("project id must be > 0")
	}

	params := url.Values{}
	params.Set("all", "true")
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}

	pageURL := c.endpoint("projects", strconv.FormatInt(projectID, 10), "repository", "commits")
	walk, err := collectPages[commitPayload](ctx, c.requestClient, pageURL, params, c.maxPages)

	result := CommitList{Truncated: walk.Truncated}
	for _, commit := range walk.Items {
		result.Commits = append(result.Commits, Commit{
			ID:         commit.ID,
			Title:      commit.Title,
			AuthorName: commit.AuthorName,
			CreatedAt:  parseTimestamp(commit.CreatedAt),
		})
	}
	if err != nil {
		return result, fmt.Errorf("list commits for project %d: %w", projectID, err)
	}
	return result, nil
}

// ListMergeRequests lists merge requests of a project updated after a cutoff,
// all states.
func (c *DataClient) ListMergeRequests(ctx context.Context, projectID int64, updatedAfter time.Time) (MergeRequestList, error) {
	if projectID <= 0 {
		return MergeRequestList{}, fmt.Errorf("project id must be > 0")
	}

	params := url.Values{}
	params.Set("state", "all")
	if !updatedAfter.IsZero() {
		params.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
	}

	pageURL := c.endpoint("projects", strconv.FormatInt(projectID, 10), "merge_requests")
	walk, err := collectPages[mergeRequestPayload](ctx, c.requestClient, pageURL, params, c.maxPages)

	result := MergeRequestList{Truncated: walk.Truncated}
	for _, mr := range walk.Items {
		typed := MergeRequest{
			ID:        mr.ID,
			IID:       mr.IID,
			Title:     mr.Title,
			State:     mr.State,
			CreatedAt: parseTimestamp(mr.CreatedAt),
			UpdatedAt: parseTimestamp(mr.UpdatedAt),
		}
		if mr.Author != nil {
			typed.AuthorName = mr.Author.Name
			typed.AuthorID = mr.Author.ID
		}
		result.MergeRequests = append(result.MergeRequests, typed)
	}
	if err != nil {
		return result, fmt.Errorf("list merge requests for project %d: %w", projectID, err)
	}
	return result, nil
}

// IssueFilter selects one of the overlapping issue fetch strategies. The
// upstream assignment model has no single "relevant to user" filter, so
// callers fetch with several filters and reconcile.
type IssueFilter struct {
	AssigneeID       int64
	AssigneeUsername string
	AuthorID         int64
}

// ListIssues lists issues of a project updated after a cutoff, all states,
// optionally narrowed by one filter strategy. A zero IssueFilter is the
// full-project scan.
func (c *DataClient) ListIssues(ctx context.Context, projectID int64, updatedAfter time.Time, filter IssueFilter) (IssueList, error) {
	if projectID <= 0 {
		return IssueList{}, fmt.Errorf("project id must be > 0")
	}

	params := url.Values{}
	params.Set("state", "all")
	if !updatedAfter.IsZero() {
		params.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
	}
	if filter.AssigneeID > 0 {
		params.Set("assignee_id", strconv.FormatInt(filter.AssigneeID, 10))
	}
	if filter.AssigneeUsername != "" {
		params.Set("assignee_username", filter.AssigneeUsername)
	}
	if filter.AuthorID > 0 {
		params.Set("author_id", strconv.FormatInt(filter.AuthorID, 10))
	}

	pageURL := c.endpoint("projects", strconv.FormatInt(projectID, 10), "issues")
	walk, err := collectPages[issuePayload](ctx, c.requestClient, pageURL, params, c.maxPages)

	result := IssueList{Truncated: walk.Truncated}
	for _, issue := range walk.Items {
		typed := Issue{
			ID:          issue.ID,
			IID:         issue.IID,
			ProjectID:   issue.ProjectID,
			Title:       issue.Title,
			Description: issue.Description,
			State:       issue.State,
			Labels:      issue.Labels,
			CreatedAt:   parseTimestamp(issue.CreatedAt),
			UpdatedAt:   parseTimestamp(issue.UpdatedAt),
		}
		if issue.Author != nil {
			typed.AuthorName = issue.Author.Name
			typed.AuthorID = issue.Author.ID
		}
		result.Issues = append(result.Issues, typed)
	}
	if err != nil {
		return result, fmt.Errorf("list issues for project %d: %w", projectID, err)
	}
	return result, nil
}

// ListIssueNotes lists the comments of one issue.
func (c *DataClient) ListIssueNotes(ctx context.Context, projectID, issueIID int64) ([]Note, error) {
	if projectID <= 0 {
		return nil, fmt.Errorf("project id must be > 0")
	}
	if issueIID <= 0 {
		return nil, fmt.Errorf("issue iid must be > 0")
	}

	pageURL := c.endpoint(
		"projects", strconv.FormatInt(projectID, 10),
		"issues", strconv.FormatInt(issueIID, 10),
		"notes",
	)
	walk, err := collectPages[notePayload](ctx, c.requestClient, pageURL, nil, c.maxPages)

	notes := make([]Note, 0, len(walk.Items))
	for _, note := range walk.Items {
		typed := Note{
			ID:        note.ID,
			Body:      note.Body,
			CreatedAt: parseTimestamp(note.CreatedAt),
		}
		if note.Author != nil {
			typed.AuthorUsername = note.Author.Username
		}
		notes = append(notes, typed)
	}
	if err != nil {
		return notes, fmt.Errorf("list notes for issue %d in project %d: %w", issueIID, projectID, err)
	}
	return notes, nil
}

// GetUser reads detailed info for one user by id.
func (c *DataClient) GetUser(ctx context.Context, userID int64) (User, error) {
	if userID <= 0 {
		return User{}, fmt.Errorf("user id must be > 0")
	}

	reqURL := c.endpoint("users", strconv.FormatInt(userID, 10))
	var payload userPayload
	if err := c.getJSON(ctx, reqURL, nil, &payload); err != nil {
		return User{}, fmt.Errorf("get user %d: %w", userID, err)
	}

	return User{
		ID:           payload.ID,
		Username:     payload.Username,
		Name:         payload.Name,
		LastSignInAt: parseTimestamp(payload.LastSignInAt),
	}, nil
}

// LookupUserID resolves a username to a user id. Returns ErrNotFound when no
// user matches.
func (c *DataClient) LookupUserID(ctx context.Context, username string) (int64, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return 0, fmt.Errorf("username is required")
	}

	params := url.Values{}
	params.Set("username", trimmed)

	reqURL := c.endpoint("users")
	var payload []userPayload
	if err := c.getJSON(ctx, reqURL, params, &payload); err != nil {
		return 0, fmt.Errorf("lookup user %q: %w", trimmed, err)
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("lookup user %q: %w", trimmed, ErrNotFound)
	}
	return payload[0].ID, nil
}

var (
	profileReadmeNames    = []string{"README.md", "readme.md", "README"}
	profileReadmeBranches = []string{"main", "master"}
)

// HasProfileReadme reports whether a user's profile project
// ({username}/{username}) carries a README on its default-ish branches.
func (c *DataClient) HasProfileReadme(ctx context.Context, username string) (bool, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return false, fmt.Errorf("username is required")
	}

	projectPath := url.PathEscape(trimmed + "/" + trimmed)
	for _, name := range profileReadmeNames {
		for _, branch := range profileReadmeBranches {
			reqURL := c.endpoint("projects", projectPath, "repository", "files", url.PathEscape(name))
			params := url.Values{}
			params.Set("ref", branch)

			var payload struct {
				FileName string `json:"file_name"`
			}
			err := c.getJSON(ctx, reqURL, params, &payload)
			if err == nil {
				return true, nil
			}
			if IsTerminal(err) && !isAuthErr(err) {
				// 403/404 just mean this name/branch combination is absent.
				continue
			}
			return false, fmt.Errorf("check profile readme for %q: %w", trimmed, err)
		}
	}
	return false, nil
}

func (c *DataClient) getJSON(ctx context.Context, reqURL *url.URL, params url.Values, target any) error {
	u := *reqURL
	if params != nil {
		query := u.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, _, err := c.requestClient.Do(req)
	if err != nil {
		return err
	}
	if err := decodeJSONAndClose(resp, target); err != nil {
		return &MalformedResponseError{Err: err}
	}
	return nil
}

// endpoint joins pre-escaped path segments onto the API base URL. JoinPath
// keeps Path and RawPath consistent, so escaped slashes in group and project
// paths survive serialization instead of being escaped a second time.
func (c *DataClient) endpoint(segments ...string) *url.URL {
	return c.baseURL.JoinPath(segments...)
}

func projectListFromWalk(walk Walk[projectPayload]) ProjectList {
	result := ProjectList{Truncated: walk.Truncated}
	for _, project := range walk.Items {
		result.Projects = append(result.Projects, Project{
			ID:                project.ID,
			Name:              project.Name,
			PathWithNamespace: project.PathWithNamespace,
		})
	}
	return result
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse gitlab api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse gitlab api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02 15:04:05 -0700",
}

// parseTimestamp returns the zero time on failure; callers treat a zero time
// as "no usable timestamp" and skip last-activity updates for that event.
func parseTimestamp(raw string) time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func isAuthErr(err error) bool {
	return errors.Is(err, ErrAuth)
}

type memberPayload struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	AccessLevel int    `json:"access_level"`
}

type projectPayload struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
}

type commitPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
	CreatedAt  string `json:"created_at"`
}

type mergeRequestPayload struct {
	ID        int64        `json:"id"`
	IID       int64        `json:"iid"`
	Title     string       `json:"title"`
	State     string       `json:"state"`
	Author    *userPayload `json:"author"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type issuePayload struct {
	ID          int64        `json:"id"`
	IID         int64        `json:"iid"`
	ProjectID   int64        `json:"project_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	State       string       `json:"state"`
	Labels      []string     `json:"labels"`
	Author      *userPayload `json:"author"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

type notePayload struct {
	ID        int64        `json:"id"`
	Body      string       `json:"body"`
	Author    *userPayload `json:"author"`
	CreatedAt string       `json:"created_at"`
}

type userPayload struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	LastSignInAt string `json:"last_sign_in_at"`
}
