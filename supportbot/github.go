package supportbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

const (
	gitHubAcceptHeader     = "application/vnd.github+json"
	gitHubAPIVersionHeader = "X-GitHub-Api-Version"
	gitHubAPIVersion       = "2022-11-28"
	gitHubArtifactsPerPage = 100
)

type GitHubUser struct {
	Login   string `json:"login"`
	HTMLURL string `json:"html_url"`
}

type GitHubLabel struct {
	Name string `json:"name"`
}

type GitHubRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type PullRequest struct {
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	State     string        `json:"state"`
	Draft     bool          `json:"draft"`
	Merged    bool          `json:"merged"`
	HTMLURL   string        `json:"html_url"`
	User      GitHubUser    `json:"user"`
	Labels    []GitHubLabel `json:"labels"`
	Head      GitHubRef     `json:"head"`
	Base      GitHubRef     `json:"base"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	MergedAt  *time.Time    `json:"merged_at"`
}

type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

type checkRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

type ArtifactWorkflowRun struct {
	ID      int64  `json:"id"`
	HeadSHA string `json:"head_sha"`
}

type Artifact struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	SizeInBytes        int64               `json:"size_in_bytes"`
	Expired            bool                `json:"expired"`
	ArchiveDownloadURL string              `json:"archive_download_url"`
	WorkflowRun        ArtifactWorkflowRun `json:"workflow_run"`
	CreatedAt          time.Time           `json:"created_at"`
}

type artifactsResponse struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

type gitHubErrorResponse struct {
	Message string `json:"message"`
}

// GitHubClient is the subset of the code-hosting API the bot uses
type GitHubClient interface {
	PullRequest(ctx context.Context, number int) (*PullRequest, error)
	CheckRuns(ctx context.Context, sha string) ([]CheckRun, error)

	// Artifacts returns the unexpired artifacts built from the given commit
	Artifacts(ctx context.Context, headSHA string) ([]Artifact, error)
	DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error)

	// RawFile returns the contents of a file in a repository
	RawFile(ctx context.Context, owner, repo, ref, path string) ([]byte, error)
}

// gitHubClient implements GitHubClient. REST calls are paced by a
// shared rate limiter; any non-2xx response fails the call. Only
// raw file fetches are retried, and only on transport errors and 5xx
// responses.
type gitHubClient struct {
	api     *resty.Client
	raw     *resty.Client
	limiter *rate.Limiter
	config  *GitHubConfig
	logger  *slog.Logger
}

func newGitHubClient(
	config *GitHubConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *gitHubClient {
	newClient := func(baseURL string) *resty.Client {
		var c *resty.Client
		if httpClient != nil {
			c = resty.NewWithClient(httpClient)
		} else {
			c = resty.New()
		}
		c.SetBaseURL(baseURL).
			SetTimeout(config.RequestTimeout).
			SetHeader("User-Agent", "supportbot/"+Version)
		if config.Token != "" {
			c.SetAuthToken(config.Token)
		}
		return c
	}

	api := newClient(config.APIURL).
		SetHeader("Accept", gitHubAcceptHeader).
		SetHeader(gitHubAPIVersionHeader, gitHubAPIVersion).
		SetError(&gitHubErrorResponse{})

	return &gitHubClient{
		api:     api,
		raw:     newClient(config.RawURL),
		limiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
		config:  config,
		logger:  logger.With(loggerNameKey, "github"),
	}
}

func (g *gitHubClient) repoPath(format string, args ...any) string {
	return fmt.Sprintf(
		"/repos/%s/%s",
		url.PathEscape(g.config.Owner),
		url.PathEscape(g.config.Repository),
	) + fmt.Sprintf(format, args...)
}

// checkResponse converts transport errors and non-2xx responses to
// errors matching ErrExternalService
func (g *gitHubClient) checkResponse(
	ctx context.Context,
	resp *resty.Response,
	err error,
) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	g.logger.DebugContext(
		ctx,
		"github response",
		"method", resp.Request.Method,
		"url", resp.Request.URL,
		"status", resp.StatusCode(),
		"elapsed", resp.Time(),
	)
	if !resp.IsError() && resp.StatusCode() < 300 {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*gitHubErrorResponse); ok && e != nil && e.Message != "" {
		msg = e.Message
	}
	return &gitHubStatusError{StatusCode: resp.StatusCode(), Message: msg}
}

// gitHubStatusError is a non-2xx response
type gitHubStatusError struct {
	StatusCode int
	Message    string
}

func (e *gitHubStatusError) Error() string {
	return fmt.Sprintf("github returned %d: %s", e.StatusCode, e.Message)
}

func (e *gitHubStatusError) Unwrap() error {
	return ErrExternalService
}

func (g *gitHubClient) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	return nil
}

func (g *gitHubClient) PullRequest(ctx context.Context, number int) (*PullRequest, error) {
	if number <= 0 {
		return nil, validationErrorf("PR number must be positive.")
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	var pr PullRequest
	resp, err := g.api.R().
		SetContext(ctx).
		SetResult(&pr).
		Get(g.repoPath("/pulls/%d", number))
	if err = g.checkResponse(ctx, resp, err); err != nil {
		var statusErr *gitHubStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, userError{kind: ErrExternalService, msg: fmt.Sprintf("PR #%d not found.", number)}
		}
		return nil, err
	}
	return &pr, nil
}

func (g *gitHubClient) CheckRuns(ctx context.Context, sha string) ([]CheckRun, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	var result checkRunsResponse
	resp, err := g.api.R().
		SetContext(ctx).
		SetQueryParam("per_page", "100").
		SetResult(&result).
		Get(g.repoPath("/commits/%s/check-runs", url.PathEscape(sha)))
	if err = g.checkResponse(ctx, resp, err); err != nil {
		return nil, err
	}
	return result.CheckRuns, nil
}

func (g *gitHubClient) Artifacts(ctx context.Context, headSHA string) ([]Artifact, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	var result artifactsResponse
	resp, err := g.api.R().
		SetContext(ctx).
		SetQueryParam("per_page", strconv.Itoa(gitHubArtifactsPerPage)).
		SetResult(&result).
		Get(g.repoPath("/actions/artifacts"))
	if err = g.checkResponse(ctx, resp, err); err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, a := range result.Artifacts {
		if a.Expired || a.WorkflowRun.HeadSHA != headSHA {
			continue
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (g *gitHubClient) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := g.api.R().
		SetContext(ctx).
		Get(g.repoPath("/actions/artifacts/%d/zip", artifactID))
	if err = g.checkResponse(ctx, resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (g *gitHubClient) RawFile(
	ctx context.Context,
	owner, repo, ref, path string,
) ([]byte, error) {
	var body []byte
	filePath := fmt.Sprintf(
		"/%s/%s/%s/%s",
		url.PathEscape(owner),
		url.PathEscape(repo),
		url.PathEscape(ref),
		path,
	)
	err := retry.Do(
		func() error {
			resp, err := g.raw.R().SetContext(ctx).Get(filePath)
			if err = g.checkResponse(ctx, resp, err); err != nil {
				var statusErr *gitHubStatusError
				if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				g.logger.WarnContext(ctx, "error fetching raw file", "path", filePath, tint.Err(err))
				return err
			}
			body = resp.Body()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(g.config.RetryAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(
			func(n uint, err error, config *retry.Config) time.Duration {
				return retry.BackOffDelay(n, err, config)
			},
		),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// prURLPattern matches pull request URLs for the given repository
func prURLPattern(owner, repo string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?i)https?://(?:www\.)?github\.com/` +
			regexp.QuoteMeta(owner) + `/` + regexp.QuoteMeta(repo) +
			`/pull/(\d+)`,
	)
}

// findPRNumber returns the first PR number linked in text
func findPRNumber(pattern *regexp.Regexp, text string) (int, bool) {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
