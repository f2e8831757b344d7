// Package forge talks to the hosting forge's REST API: repository listings
// for discovery and single-file content fetches for dataset descriptions.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/openneuro-studies/openneuro-studies/pkg/httpclient"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
)

const (
	// DefaultBaseURL is the GitHub REST API root
	DefaultBaseURL = "https://api.github.com"

	// pageSize is the repository listing page size
	pageSize = 100

	// maxRetries bounds the retry loop on rate limits and server errors
	maxRetries = 5
)

// Repository is one repository of a source organization
type Repository struct {
	Name          string
	CloneURL      string
	DefaultBranch string
}

// Client is the forge API surface discovery depends on
type Client interface {
	// ListRepositories returns every repository of an organization
	ListRepositories(ctx context.Context, org string) ([]Repository, error)

	// GetFileContent fetches one file's raw content at a ref
	GetFileContent(ctx context.Context, org, repo, path, ref string) ([]byte, error)

	// GetDefaultBranchSHA resolves the commit id the default branch points at
	GetDefaultBranchSHA(ctx context.Context, org, repo string) (string, error)
}

// RESTClient implements Client against the GitHub-compatible REST API
type RESTClient struct {
	baseURL string
	token   string
	http    httpclient.Client
}

// NewRESTClient creates a client. An empty baseURL selects the GitHub API;
// an empty token sends unauthenticated requests.
func NewRESTClient(baseURL, token string) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    httpclient.NewDefaultClient(0),
	}
}

// NewRESTClientWith creates a client on an explicit HTTP client
func NewRESTClientWith(baseURL, token string, hc httpclient.Client) *RESTClient {
	c := NewRESTClient(baseURL, token)
	c.http = hc
	return c
}

// ListRepositories pages through the organization's repositories
func (c *RESTClient) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	var repos []Repository
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d&page=%d", c.baseURL, url.PathEscape(org), pageSize, page)
		body, err := c.get(ctx, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories of %s: %w", org, err)
		}

		results := gjson.ParseBytes(body).Array()
		for _, r := range results {
			repos = append(repos, Repository{
				Name:          r.Get("name").String(),
				CloneURL:      r.Get("clone_url").String(),
				DefaultBranch: r.Get("default_branch").String(),
			})
		}
		if len(results) < pageSize {
			return repos, nil
		}
	}
}

// GetFileContent fetches one file's raw content at a ref. An empty ref reads
// from the default branch.
func (c *RESTClient) GetFileContent(ctx context.Context, org, repo, path, ref string) ([]byte, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, url.PathEscape(org), url.PathEscape(repo), path)
	if ref != "" {
		u += "?ref=" + url.QueryEscape(ref)
	}
	body, err := c.get(ctx, u, map[string]string{"Accept": "application/vnd.github.raw+json"})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s from %s/%s: %w", path, org, repo, err)
	}
	return body, nil
}

// GetDefaultBranchSHA resolves the default branch's current commit
func (c *RESTClient) GetDefaultBranchSHA(ctx context.Context, org, repo string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, url.PathEscape(org), url.PathEscape(repo))
	body, err := c.get(ctx, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read repository %s/%s: %w", org, repo, err)
	}
	branch := gjson.GetBytes(body, "default_branch").String()
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", org, repo)
	}

	u = fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.baseURL, url.PathEscape(org), url.PathEscape(repo), url.PathEscape(branch))
	body, err = c.get(ctx, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s of %s/%s: %w", branch, org, repo, err)
	}
	sha := gjson.GetBytes(body, "sha").String()
	if sha == "" {
		return "", fmt.Errorf("no commit found on %s of %s/%s", branch, org, repo)
	}
	return sha, nil
}

// get performs one authenticated GET with retry on rate limits and transient
// server errors. Client errors other than 429 fail immediately.
func (c *RESTClient) get(ctx context.Context, u string, headers map[string]string) ([]byte, error) {
	merged := map[string]string{"X-GitHub-Api-Version": "2022-11-28"}
	if c.token != "" {
		merged["Authorization"] = "Bearer " + c.token
	}
	for k, v := range headers {
		merged[k] = v
	}

	operation := func() ([]byte, error) {
		body, err := c.http.Get(ctx, u, merged)
		if err == nil {
			return body, nil
		}

		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && !retryable(httpErr.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		logger.Debugf("retrying %s: %v", u, err)
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRetries),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
}

// retryable reports whether a status code is worth retrying
func retryable(status int) bool {
	return status == 429 || status >= 500
}
