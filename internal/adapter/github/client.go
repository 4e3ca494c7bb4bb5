// Package github exposes GitHub repository operations as capabilities via
// the REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
)

const defaultBaseURL = "https://api.github.com"

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a GitHub client. baseURL may be empty for github.com;
// set it for GitHub Enterprise or tests.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Issue is a created or fetched GitHub issue.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

// Repo is repository metadata.
type Repo struct {
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	Stars         int    `json:"stargazers_count"`
	OpenIssues    int    `json:"open_issues_count"`
}

// CreateIssue opens an issue on owner/repo.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		return nil, fmt.Errorf("marshal issue: %w", err)
	}

	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	data, err := c.doRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, fmt.Errorf("unmarshal issue: %w", err)
	}
	return &issue, nil
}

// GetRepo fetches repository metadata for owner/repo.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil)
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}

	var r Repo
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal repo: %w", err)
	}
	return &r, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("github API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

type repoRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (r repoRef) validate() error {
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("github input missing owner or repo")
	}
	return nil
}

// Register binds the GitHub capabilities onto the registry. Issue creation
// is not idempotent; repository reads are.
func Register(reg *capability.Registry, c *Client) error {
	createIssue := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			repoRef
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("decode issue input: %w", err)
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		if req.Title == "" {
			return nil, fmt.Errorf("github input missing title")
		}

		issue, err := c.CreateIssue(ctx, req.Owner, req.Repo, req.Title, req.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"number": issue.Number, "url": issue.HTMLURL})
	})

	getRepo := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req repoRef
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("decode repo input: %w", err)
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		repo, err := c.GetRepo(ctx, req.Owner, req.Repo)
		if err != nil {
			return nil, err
		}
		return json.Marshal(repo)
	})

	if err := reg.Register(domcap.Registration{
		Name:         "github.issue",
		Version:      "1.0.0",
		Idempotent:   false,
		Timeout:      30 * time.Second,
		InputFields:  []string{"owner", "repo", "title", "body"},
		OutputFields: []string{"number", "url"},
	}, createIssue); err != nil {
		return err
	}

	return reg.Register(domcap.Registration{
		Name:        "github.repo",
		Version:     "1.0.0",
		Idempotent:  true,
		Timeout:     30 * time.Second,
		InputFields: []string{"owner", "repo"},
	}, getRepo)
}
