package app

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/agentgate/internal/gitrepo"
	"github.com/re-cinq/agentgate/internal/types"
)

// SeedFile is one file written into a fresh workspace before its initial
// commit, per spec.md §6's workspace seed template contract.
type SeedFile struct {
	Path    string
	Content []byte
}

// acquireWorkspace resolves a WorkOrder's WorkspaceSource into a leased,
// git-backed Workspace rooted at a real directory, per spec.md §3's
// Workspace invariants: a fresh workspace gets an initial commit so the
// first snapshot has a parent, and leasing is exclusive.
//
// git{url} and github{owner,repo} sources are out of scope for this core
// build, per spec.md §1 ("git-hosting-provider API clients ... treated as
// external collaborators with specified interfaces only"): cloning over
// the network or resolving a provider's default branch needs a
// collaborator this package doesn't own.
func (a *App) acquireWorkspace(wo *types.WorkOrder, seed []SeedFile) (*types.Workspace, error) {
	ws := &types.Workspace{
		ID:     uuid.NewString(),
		Source: wo.Workspace,
	}

	switch wo.Workspace.Kind {
	case types.SourceLocal:
		ws.RootPath = wo.Workspace.Path
		if info, err := os.Stat(ws.RootPath); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("local workspace path %q is not a directory: %w", ws.RootPath, err)
		}
		repo := gitrepo.NewRepo(ws.RootPath)
		if _, err := repo.HeadCommit("HEAD"); err != nil {
			if err := repo.Init(); err != nil {
				return nil, fmt.Errorf("initializing history backend: %w", err)
			}
			repo.EnsureIdentity()
			if err := initialCommit(repo, ws.RootPath, nil); err != nil {
				return nil, err
			}
		}
		ws.HistoryInitialized = true

	case types.SourceFresh:
		if err := os.MkdirAll(wo.Workspace.DestPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating fresh workspace: %w", err)
		}
		ws.RootPath = wo.Workspace.DestPath
		repo := gitrepo.NewRepo(ws.RootPath)
		if err := repo.Init(); err != nil {
			return nil, fmt.Errorf("initializing history backend: %w", err)
		}
		repo.EnsureIdentity()
		templateSeed, err := seedTemplate(wo.Workspace.TemplateKind, wo.Workspace.ProjectName)
		if err != nil {
			return nil, err
		}
		if err := initialCommit(repo, ws.RootPath, append(templateSeed, seed...)); err != nil {
			return nil, err
		}
		ws.HistoryInitialized = true

	case types.SourceGit, types.SourceGithub:
		return nil, fmt.Errorf("workspace source %q requires an external git-hosting-provider collaborator, not available in this build", wo.Workspace.Kind)

	default:
		return nil, fmt.Errorf("unknown workspace source kind %q", wo.Workspace.Kind)
	}

	now := time.Now()
	ws.LeaseID = uuid.NewString()
	ws.LeasedAt = &now
	ws.Status = types.WorkspaceLeased

	if err := a.Entities.SaveWorkspace(ws); err != nil {
		return nil, fmt.Errorf("persisting workspace: %w", err)
	}
	return ws, nil
}

// builtinTemplates maps a WorkspaceSource.TemplateKind to the seed files a
// fresh workspace starts from, per spec.md §6's workspace seed template
// contract. Keys are matched case-sensitively; an empty TemplateKind seeds
// nothing beyond the initial commit.
var builtinTemplates = map[string]func(projectName string) []SeedFile{
	"go-module": func(projectName string) []SeedFile {
		if projectName == "" {
			projectName = "agentgate-run"
		}
		return []SeedFile{
			{Path: "go.mod", Content: []byte(fmt.Sprintf("module %s\n\ngo 1.22\n", projectName))},
			{Path: "README.md", Content: []byte(fmt.Sprintf("# %s\n", projectName))},
			{Path: ".gitignore", Content: []byte("/bin/\n")},
		}
	},
	"node": func(projectName string) []SeedFile {
		if projectName == "" {
			projectName = "agentgate-run"
		}
		pkg := fmt.Sprintf(`{
  "name": %q,
  "version": "0.0.0",
  "private": true
}
`, projectName)
		return []SeedFile{
			{Path: "package.json", Content: []byte(pkg)},
			{Path: "README.md", Content: []byte(fmt.Sprintf("# %s\n", projectName))},
			{Path: ".gitignore", Content: []byte("node_modules/\n")},
		}
	},
	"python": func(projectName string) []SeedFile {
		if projectName == "" {
			projectName = "agentgate-run"
		}
		return []SeedFile{
			{Path: "pyproject.toml", Content: []byte(fmt.Sprintf("[project]\nname = %q\nversion = \"0.0.0\"\n", projectName))},
			{Path: "README.md", Content: []byte(fmt.Sprintf("# %s\n", projectName))},
			{Path: ".gitignore", Content: []byte("__pycache__/\n.venv/\n")},
		}
	},
	"empty": func(projectName string) []SeedFile {
		return nil
	},
}

// seedTemplate resolves a TemplateKind into the seed files a fresh
// workspace should start from. An unknown non-empty kind is an error
// rather than a silent no-op, since a caller that named a template
// expects it to be honored.
func seedTemplate(kind, projectName string) ([]SeedFile, error) {
	if kind == "" {
		return nil, nil
	}
	build, ok := builtinTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown workspace template %q", kind)
	}
	return build(projectName), nil
}

// releaseWorkspace clears the lease so the workspace can be reused or
// garbage-collected by an operator; it never deletes files, since a
// failed run's workspace is the evidence an operator needs to diagnose it.
func (a *App) releaseWorkspace(ws *types.Workspace) {
	ws.LeaseID = ""
	ws.LeasedAt = nil
	ws.Status = types.WorkspaceAvailable
	_ = a.Entities.SaveWorkspace(ws)
}

// initialCommit writes seed (if any) and commits whatever is present in
// dir, so a freshly created workspace's first snapshot always has a
// parent commit to diff against, per spec.md §3.
func initialCommit(repo *gitrepo.Repo, dir string, seed []SeedFile) error {
	for _, f := range seed {
		full := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("seeding %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, f.Content, 0o644); err != nil {
			return fmt.Errorf("seeding %s: %w", f.Path, err)
		}
	}
	if err := repo.StageAll(); err != nil {
		return fmt.Errorf("staging initial commit: %w", err)
	}
	changed, err := repo.HasChanges()
	if err != nil {
		return fmt.Errorf("checking for initial changes: %w", err)
	}
	if !changed {
		// Nothing to seed; an empty initial commit still gives the first
		// snapshot a parent to diff against. repo.Commit has no
		// --allow-empty form and git refuses an empty commit without it.
		cmd := exec.Command("git", "commit", "--allow-empty", "--no-verify", "-m", "agentgate: initial commit")
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("empty initial commit: %s: %w", out, err)
		}
		return nil
	}
	return repo.Commit("agentgate: initial commit")
}
