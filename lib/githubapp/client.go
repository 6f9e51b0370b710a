// Package githubapp wraps GitHub API access for both ingress (C1) and
// container provisioning (C4): webhook signature validation, event parsing,
// and runner registration-token minting, behind a single authenticated
// client built from either GitHub App or fine-grained PAT credentials.
package githubapp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v71/github"

	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/log"
)

// Client wraps an authenticated *github.Client plus the org scope it was
// built for, and tracks rate limit state so callers can back off before
// hitting it rather than after.
type Client struct {
	cl  *github.Client
	org string

	rateMu sync.RWMutex
	rate   github.Rate
}

// New builds a Client from cfg, preferring GitHub App auth over PAT auth
// when both are configured, matching the teacher's auth precedence.
func New(cfg *config.Config) (*Client, error) {
	logger := log.WithFunc("githubapp", "New")

	var gh *github.Client
	switch {
	case cfg.GitHubAppID != 0 && cfg.GitHubInstID != 0 && cfg.GitHubAppKey != "":
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		tr := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		itr, err := ghinstallation.New(tr, cfg.GitHubAppID, cfg.GitHubInstID, []byte(cfg.GitHubAppKey))
		if err != nil {
			return nil, fmt.Errorf("githubapp: building installation transport: %w", err)
		}
		gh = github.NewClient(&http.Client{Transport: itr})
		logger.Debug("using GitHub App auth", "app_id", cfg.GitHubAppID, "install_id", cfg.GitHubInstID)
	case cfg.GitHubToken != "":
		gh = github.NewClient(nil).WithAuthToken(cfg.GitHubToken)
		logger.Debug("using fine-grained token auth")
	default:
		return nil, fmt.Errorf("githubapp: no credentials configured: need GITHUB_APP_ID/GITHUB_INSTALLATION_ID/GITHUB_APP_PRIVATE_KEY or GITHUB_TOKEN")
	}

	return &Client{cl: gh, org: cfg.GitHubOrg}, nil
}

// Org returns the GitHub organization this client is scoped to.
func (c *Client) Org() string {
	return c.org
}

// trackRate records the rate limit window reported by resp so callers can
// inspect RateRemaining before making more requests.
func (c *Client) trackRate(resp *github.Response) {
	if resp == nil {
		return
	}
	c.rateMu.Lock()
	c.rate = resp.Rate
	c.rateMu.Unlock()
}

// RateRemaining returns the number of REST requests left in the current
// rate-limit window, as observed from the most recent response.
func (c *Client) RateRemaining() int {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	return c.rate.Remaining
}

// CreateRunnerToken mints a short-lived self-hosted-runner registration
// token for owner/repo, used by C4 to register an ephemeral container
// runner without storing a long-lived PAT on the worker itself.
func (c *Client) CreateRunnerToken(ctx context.Context, owner, repo string) (*github.RegistrationToken, error) {
	logger := log.WithFunc("githubapp", "CreateRunnerToken").With("owner", owner, "repo", repo)
	tok, resp, err := c.cl.Actions.CreateRegistrationToken(ctx, owner, repo)
	c.trackRate(resp)
	if err != nil {
		logger.Error("failed to create runner registration token", "err", err)
		return nil, fmt.Errorf("githubapp: create registration token: %w", err)
	}
	return tok, nil
}

// RemoveRunner de-registers a runner from owner/repo, used by C4 cleanup
// when a container is reclaimed without ever checking in, or after its job
// completes and the runner must be ephemeral.
func (c *Client) RemoveRunner(ctx context.Context, owner, repo string, runnerID int64) error {
	resp, err := c.cl.Actions.RemoveRunner(ctx, owner, repo, runnerID)
	c.trackRate(resp)
	if err != nil {
		return fmt.Errorf("githubapp: remove runner %d: %w", runnerID, err)
	}
	return nil
}

// ListRunners returns every self-hosted runner registered against
// owner/repo, used by C4's Terminate to find a runner's GitHub id by name
// so it can be de-registered.
func (c *Client) ListRunners(ctx context.Context, owner, repo string) ([]*github.Runner, error) {
	var all []*github.Runner
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		page, resp, err := c.cl.Actions.ListRunners(ctx, owner, repo, opts)
		c.trackRate(resp)
		if err != nil {
			return nil, fmt.Errorf("githubapp: list runners: %w", err)
		}
		all = append(all, page.Runners...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}
