package aggregate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/swecha/gitlab-activity/internal/gitlabapi"
)

// ProfileReader checks for a member's profile README project.
type ProfileReader interface {
	HasProfileReadme(ctx context.Context, username string) (bool, error)
}

// ReadmeChecker fans profile README checks out over a bounded pool. A failed
// check reports the member as having no README.
type ReadmeChecker struct {
	reader  ProfileReader
	workers int
	logger  *zap.Logger
}

// NewReadmeChecker creates a checker over a profile reader.
func NewReadmeChecker(reader ProfileReader, workers int, logger *zap.Logger) *ReadmeChecker {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadmeChecker{
		reader:  reader,
		workers: workers,
		logger:  logger,
	}
}

// Check reports README presence per username.
func (c *ReadmeChecker) Check(ctx context.Context, members []gitlabapi.Member) map[string]bool {
	presence := make(map[string]bool, len(members))
	usernames := make([]string, 0, len(members))
	for _, member := range members {
		if member.Username == "" {
			continue
		}
		if _, exists := presence[member.Username]; exists {
			continue
		}
		presence[member.Username] = false
		usernames = append(usernames, member.Username)
	}
	if len(usernames) == 0 {
		return presence
	}

	type checkResult struct {
		username string
		found    bool
	}

	jobs := make(chan string, len(usernames))
	results := make(chan checkResult, len(usernames))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for username := range jobs {
				found, err := c.reader.HasProfileReadme(ctx, username)
				if err != nil {
					c.logger.Warn("profile readme check failed",
						zap.String("username", username),
						zap.Error(err),
					)
					found = false
				}
				results <- checkResult{username: username, found: found}
			}
		}()
	}

	for _, username := range usernames {
		jobs <- username
	}
	close(jobs)

	wg.Wait()
	close(results)

	for result := range results {
		presence[result.username] = result.found
	}
	return presence
}
