package githubtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var ErrMissingToken = errors.New("github access token is not configured")

// NewClient authenticates every request with a personal access token.
func NewClient(ctx context.Context, token string) (*github.Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// Tool is one GitHub operation the agent may call. Parameters is the JSON
// schema of the arguments object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	invoke func(s *Service, ctx context.Context, args json.RawMessage) (any, error)
}

type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ArgumentError reports arguments that do not match a tool's schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Service runs tools against repositories owned by one account.
type Service struct {
	client *github.Client
	owner  string
	logger *zap.Logger
	tools  map[string]Tool
}

func NewService(client *github.Client, owner string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		client: client,
		owner:  strings.TrimSpace(owner),
		logger: logger,
		tools:  map[string]Tool{},
	}
	for _, tool := range builtinTools() {
		s.tools[tool.Name] = tool
	}
	return s
}

// Tools lists the available tools sorted by name.
func (s *Service) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) Lookup(name string) (Tool, bool) {
	tool, ok := s.tools[name]
	return tool, ok
}

// Invoke runs the named tool with raw JSON arguments.
func (s *Service) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	logger := s.logger.With(zap.String("tool", name))
	result, err := tool.invoke(s, ctx, args)
	if err != nil {
		logger.Warn("github tool failed", zap.Error(err))
		return nil, err
	}
	logger.Info("github tool succeeded")
	return result, nil
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name:        "create_repository",
			Description: "Create a new GitHub repository with a main branch. The repository is initialized so the main branch exists.",
			Parameters: objectSchema(map[string]any{
				"name":        stringProp("Repository name"),
				"description": stringProp("Repository description"),
				"private":     boolProp("Whether the repository is private"),
			}, "name"),
			invoke: (*Service).createRepository,
		},
		{
			Name:        "list_repositories",
			Description: "List all repositories for the authenticated user",
			Parameters:  objectSchema(map[string]any{}),
			invoke:      (*Service).listRepositories,
		},
		{
			Name:        "create_branch",
			Description: "Create a new branch in a GitHub repository",
			Parameters: objectSchema(map[string]any{
				"repo_name":   stringProp("Repository name"),
				"branch_name": stringProp("Name of the new branch"),
				"base_branch": stringProp("Branch to start from, main when omitted"),
			}, "repo_name", "branch_name"),
			invoke: (*Service).createBranch,
		},
		{
			Name:        "add_collaborator",
			Description: "Add a collaborator to a repository with specific permissions",
			Parameters: objectSchema(map[string]any{
				"repo_name": stringProp("Repository name"),
				"username":  stringProp("GitHub username of the collaborator"),
				"permission": map[string]any{
					"type":        "string",
					"description": "Permission to grant, push when omitted",
					"enum":        []string{"pull", "triage", "push", "maintain", "admin"},
				},
			}, "repo_name", "username"),
			invoke: (*Service).addCollaborator,
		},
		{
			Name:        "remove_collaborator",
			Description: "Remove a collaborator from a repository",
			Parameters: objectSchema(map[string]any{
				"repo_name": stringProp("Repository name"),
				"username":  stringProp("GitHub username of the collaborator"),
			}, "repo_name", "username"),
			invoke: (*Service).removeCollaborator,
		},
		{
			Name:        "create_issue",
			Description: "Create a new issue in a GitHub repository",
			Parameters: objectSchema(map[string]any{
				"repo_name": stringProp("Repository name"),
				"title":     stringProp("Issue title"),
				"body":      stringProp("Issue body"),
				"labels": map[string]any{
					"type":        "array",
					"description": "Labels to apply",
					"items":       map[string]any{"type": "string"},
				},
			}, "repo_name", "title", "body"),
			invoke: (*Service).createIssue,
		},
		{
			Name:        "create_pull_request",
			Description: "Create a new pull request in a GitHub repository",
			Parameters: objectSchema(map[string]any{
				"repo_name": stringProp("Repository name"),
				"title":     stringProp("Pull request title"),
				"body":      stringProp("Pull request body"),
				"head":      stringProp("Branch containing the changes"),
				"base":      stringProp("Branch to merge into, main when omitted"),
			}, "repo_name", "title", "body", "head"),
			invoke: (*Service).createPullRequest,
		},
		{
			Name:        "merge_pull_request",
			Description: "Merge a pull request in a GitHub repository",
			Parameters: objectSchema(map[string]any{
				"repo_name":      stringProp("Repository name"),
				"pull_number":    map[string]any{"type": "integer", "description": "Pull request number"},
				"commit_title":   stringProp("Title of the merge commit"),
				"commit_message": stringProp("Message of the merge commit"),
				"merge_method": map[string]any{
					"type":        "string",
					"description": "Merge method, merge when omitted",
					"enum":        []string{"merge", "squash", "rebase"},
				},
			}, "repo_name", "pull_number"),
			invoke: (*Service).mergePullRequest,
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

type createRepositoryArgs struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
}

func (s *Service) createRepository(ctx context.Context, raw json.RawMessage) (any, error) {
	var args createRepositoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "create_repository", Err: err}
	}
	if err := requireFields("create_repository", map[string]string{"name": args.Name}); err != nil {
		return nil, err
	}
	repo := &github.Repository{
		Name:     github.String(args.Name),
		Private:  github.Bool(args.Private),
		AutoInit: github.Bool(true),
	}
	if args.Description != "" {
		repo.Description = github.String(args.Description)
	}
	created, _, err := s.client.Repositories.Create(ctx, "", repo)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return repositorySummary(created), nil
}

func (s *Service) listRepositories(ctx context.Context, raw json.RawMessage) (any, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	summaries := []map[string]any{}
	for {
		repos, resp, err := s.client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		for _, repo := range repos {
			summaries = append(summaries, repositorySummary(repo))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return summaries, nil
}

type createBranchArgs struct {
	RepoName   string `json:"repo_name"`
	BranchName string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`
}

func (s *Service) createBranch(ctx context.Context, raw json.RawMessage) (any, error) {
	var args createBranchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "create_branch", Err: err}
	}
	if err := requireFields("create_branch", map[string]string{"repo_name": args.RepoName, "branch_name": args.BranchName}); err != nil {
		return nil, err
	}
	base := defaultString(args.BaseBranch, "main")
	baseRef, _, err := s.client.Git.GetRef(ctx, s.owner, args.RepoName, "heads/"+base)
	if err != nil {
		return nil, fmt.Errorf("read base branch %s: %w", base, err)
	}
	ref, _, err := s.client.Git.CreateRef(ctx, s.owner, args.RepoName, &github.Reference{
		Ref:    github.String("refs/heads/" + args.BranchName),
		Object: &github.GitObject{SHA: baseRef.GetObject().SHA},
	})
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	return map[string]any{
		"ref": ref.GetRef(),
		"sha": ref.GetObject().GetSHA(),
		"url": ref.GetURL(),
	}, nil
}

type collaboratorArgs struct {
	RepoName   string `json:"repo_name"`
	Username   string `json:"username"`
	Permission string `json:"permission"`
}

func (s *Service) addCollaborator(ctx context.Context, raw json.RawMessage) (any, error) {
	var args collaboratorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "add_collaborator", Err: err}
	}
	if err := requireFields("add_collaborator", map[string]string{"repo_name": args.RepoName, "username": args.Username}); err != nil {
		return nil, err
	}
	_, _, err := s.client.Repositories.AddCollaborator(ctx, s.owner, args.RepoName, args.Username, &github.RepositoryAddCollaboratorOptions{
		Permission: defaultString(args.Permission, "push"),
	})
	if err != nil {
		return nil, fmt.Errorf("add collaborator: %w", err)
	}
	return map[string]any{"status": "success", "message": fmt.Sprintf("Added %s as collaborator", args.Username)}, nil
}

func (s *Service) removeCollaborator(ctx context.Context, raw json.RawMessage) (any, error) {
	var args collaboratorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "remove_collaborator", Err: err}
	}
	if err := requireFields("remove_collaborator", map[string]string{"repo_name": args.RepoName, "username": args.Username}); err != nil {
		return nil, err
	}
	if _, err := s.client.Repositories.RemoveCollaborator(ctx, s.owner, args.RepoName, args.Username); err != nil {
		return nil, fmt.Errorf("remove collaborator: %w", err)
	}
	return map[string]any{"status": "success", "message": fmt.Sprintf("Removed %s as collaborator", args.Username)}, nil
}

type createIssueArgs struct {
	RepoName string   `json:"repo_name"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Labels   []string `json:"labels"`
}

func (s *Service) createIssue(ctx context.Context, raw json.RawMessage) (any, error) {
	var args createIssueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "create_issue", Err: err}
	}
	if err := requireFields("create_issue", map[string]string{"repo_name": args.RepoName, "title": args.Title}); err != nil {
		return nil, err
	}
	labels := args.Labels
	if labels == nil {
		labels = []string{}
	}
	issue, _, err := s.client.Issues.Create(ctx, s.owner, args.RepoName, &github.IssueRequest{
		Title:  github.String(args.Title),
		Body:   github.String(args.Body),
		Labels: &labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return map[string]any{
		"number":   issue.GetNumber(),
		"title":    issue.GetTitle(),
		"html_url": issue.GetHTMLURL(),
		"state":    issue.GetState(),
	}, nil
}

type createPullRequestArgs struct {
	RepoName string `json:"repo_name"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Head     string `json:"head"`
	Base     string `json:"base"`
}

func (s *Service) createPullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args createPullRequestArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "create_pull_request", Err: err}
	}
	if err := requireFields("create_pull_request", map[string]string{"repo_name": args.RepoName, "title": args.Title, "head": args.Head}); err != nil {
		return nil, err
	}
	pr, _, err := s.client.PullRequests.Create(ctx, s.owner, args.RepoName, &github.NewPullRequest{
		Title: github.String(args.Title),
		Body:  github.String(args.Body),
		Head:  github.String(args.Head),
		Base:  github.String(defaultString(args.Base, "main")),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return map[string]any{
		"number":   pr.GetNumber(),
		"title":    pr.GetTitle(),
		"html_url": pr.GetHTMLURL(),
		"state":    pr.GetState(),
	}, nil
}

type mergePullRequestArgs struct {
	RepoName      string `json:"repo_name"`
	PullNumber    int    `json:"pull_number"`
	CommitTitle   string `json:"commit_title"`
	CommitMessage string `json:"commit_message"`
	MergeMethod   string `json:"merge_method"`
}

func (s *Service) mergePullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args mergePullRequestArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "merge_pull_request", Err: err}
	}
	if err := requireFields("merge_pull_request", map[string]string{"repo_name": args.RepoName}); err != nil {
		return nil, err
	}
	if args.PullNumber <= 0 {
		return nil, &ArgumentError{Tool: "merge_pull_request", Err: errors.New("pull_number must be positive")}
	}
	result, _, err := s.client.PullRequests.Merge(ctx, s.owner, args.RepoName, args.PullNumber, args.CommitMessage, &github.PullRequestOptions{
		CommitTitle: args.CommitTitle,
		MergeMethod: defaultString(args.MergeMethod, "merge"),
	})
	if err != nil {
		return nil, fmt.Errorf("merge pull request: %w", err)
	}
	return map[string]any{
		"merged":  result.GetMerged(),
		"sha":     result.GetSHA(),
		"message": result.GetMessage(),
	}, nil
}

func requireFields(tool string, fields map[string]string) error {
	missing := []string{}
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ArgumentError{Tool: tool, Err: fmt.Errorf("missing %s", strings.Join(missing, ", "))}
}

func repositorySummary(repo *github.Repository) map[string]any {
	return map[string]any{
		"name":           repo.GetName(),
		"full_name":      repo.GetFullName(),
		"private":        repo.GetPrivate(),
		"html_url":       repo.GetHTMLURL(),
		"default_branch": repo.GetDefaultBranch(),
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
