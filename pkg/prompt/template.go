// Package prompt loads ideation category templates and interpolates
// repository context into them.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/autopilot/pkg/gitcli"
)

// recentCommitCount is how many commit subjects feed the template.
const recentCommitCount = 20

// Context carries the repository facts substituted into a template.
type Context struct {
	Owner              string
	Repo               string
	RecentCommits      []string
	TechStack          []string
	ExistingIssueCount int
}

// Loader reads category prompt files from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader over dir, which holds one <category>.md
// file per enabled category.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the raw template for a category.
func (l *Loader) Load(category string) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, category+".md"))
	if err != nil {
		return "", fmt.Errorf("load category prompt %q: %w", category, err)
	}
	return string(data), nil
}

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Substitute replaces the known placeholders in template with values
// from ctx. Unknown placeholders are left in place with a warning.
func Substitute(template string, ctx Context) string {
	values := map[string]string{
		"owner":              ctx.Owner,
		"repo":               ctx.Repo,
		"recentCommits":      strings.Join(ctx.RecentCommits, "\n"),
		"techStack":          strings.Join(ctx.TechStack, ", "),
		"existingIssueCount": strconv.Itoa(ctx.ExistingIssueCount),
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := values[name]
		if !ok {
			slog.Warn("Unknown template placeholder left in place", "placeholder", name)
			return match
		}
		return value
	})
}

// IssueCounter supplies the open-issue count for the context build.
type IssueCounter func(ctx context.Context) (int, error)

// ContextBuilder gathers template context from the repository and the
// code host. The three sources are fetched concurrently.
type ContextBuilder struct {
	RepoRoot   string
	Owner      string
	Repo       string
	Git        gitcli.Runner
	IssueCount IssueCounter
}

// Build assembles the context. Each source failure fails the build;
// ideation without real context produces junk ideas.
func (b *ContextBuilder) Build(ctx context.Context) (Context, error) {
	out := Context{Owner: b.Owner, Repo: b.Repo}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		commits, err := gitcli.RecentCommits(gctx, b.Git, b.RepoRoot, recentCommitCount)
		if err != nil {
			return fmt.Errorf("recent commits: %w", err)
		}
		out.RecentCommits = commits
		return nil
	})
	g.Go(func() error {
		stack, err := techStack(filepath.Join(b.RepoRoot, "go.mod"))
		if err != nil {
			return fmt.Errorf("tech stack: %w", err)
		}
		out.TechStack = stack
		return nil
	})
	g.Go(func() error {
		count, err := b.IssueCount(gctx)
		if err != nil {
			return fmt.Errorf("issue count: %w", err)
		}
		out.ExistingIssueCount = count
		return nil
	})

	if err := g.Wait(); err != nil {
		return Context{}, err
	}
	return out, nil
}

// CategoryPrompts combines the loader and context builder into the
// one-call surface the agent loop consumes.
type CategoryPrompts struct {
	Loader  *Loader
	Builder *ContextBuilder
}

// Build loads the category template, gathers fresh context, and
// substitutes it in.
func (p *CategoryPrompts) Build(ctx context.Context, category string) (string, error) {
	template, err := p.Loader.Load(category)
	if err != nil {
		return "", err
	}
	promptCtx, err := p.Builder.Build(ctx)
	if err != nil {
		return "", fmt.Errorf("build prompt context: %w", err)
	}
	return Substitute(template, promptCtx), nil
}

// techStack extracts the direct dependency module paths from go.mod.
func techStack(goModPath string) ([]string, error) {
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, err
	}
	file, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		return nil, err
	}

	var deps []string
	for _, req := range file.Require {
		if req.Indirect {
			continue
		}
		deps = append(deps, req.Mod.Path)
	}
	return deps, nil
}
