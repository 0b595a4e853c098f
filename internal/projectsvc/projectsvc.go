// Package projectsvc implements project creation and the repos a project
// attaches: canonical CRUD on Project/Repo/ProjectRepo rows plus the
// per-repo .gitignore augmentation spec's "Persisted state layout"
// section requires on project creation, grounded on workspacesvc's
// Provision (C6) for the create-rows-then-touch-git-adapter shape and on
// sessionsvc's ensureGitignored for the augment-then-write-file pattern.
package projectsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// RepoSpec is one entry of the CreateProject request's repo list.
type RepoSpec struct {
	Path          string
	Name          string
	DisplayName   *string
	DefaultBranch string
	IsPrimary     bool
}

// Service is the Project Service: owns Project/Repo/ProjectRepo rows and
// drives the per-repo .gitignore augmentation git-level operation.
type Service struct {
	projects     *repositories.ProjectRepo
	repos        *repositories.RepoRepo
	projectRepos *repositories.ProjectRepoRepo
	git          *gitrunner.Adapter
}

// New wires a Project Service against the repository layer (C1) and the
// git operations adapter (C2).
func New(repos *repositories.Repositories, git *gitrunner.Adapter) *Service {
	return &Service{
		projects:     repos.Projects,
		repos:        repos.Repos,
		projectRepos: repos.ProjectRepos,
		git:          git,
	}
}

// CreateProject inserts a project and attaches each given repo, reusing
// an existing Repo row when repoPath is already registered (a repo can
// belong to more than one project). Every newly-registered repo gets its
// .gitignore augmented with the canonical Kagan-generated pattern set,
// committed immediately since it is, by definition, the first time Kagan
// has touched that repo; repos already known to Kagan get the same
// augmentation applied but left as an uncommitted working-tree edit.
func (s *Service) CreateProject(ctx context.Context, name, description string, specs []RepoSpec) (*models.Project, []*models.Repo, error) {
	if name == "" {
		return nil, nil, kerrors.New(kerrors.CodeInvalidArgument, "name is required")
	}
	if len(specs) == 0 {
		return nil, nil, kerrors.New(kerrors.CodeInvalidArgument, "at least one repo is required to create a project")
	}

	project := &models.Project{
		ID:          idgen.New(),
		Name:        name,
		Description: description,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, nil, err
	}

	repos := make([]*models.Repo, 0, len(specs))
	for order, spec := range specs {
		repo, firstTime, err := s.resolveRepo(ctx, spec)
		if err != nil {
			return nil, nil, err
		}

		if err := s.git.EnsureGitignoreCommitted(ctx, repo.Path, firstTime); err != nil {
			return nil, nil, fmt.Errorf("projectsvc: gitignore augmentation for %s: %w", repo.Path, err)
		}

		link := &models.ProjectRepo{
			ProjectID:    project.ID,
			RepoID:       repo.ID,
			IsPrimary:    spec.IsPrimary || order == 0,
			DisplayOrder: order,
		}
		if err := s.projectRepos.Attach(ctx, link); err != nil {
			return nil, nil, err
		}
		repos = append(repos, repo)
	}

	return project, repos, nil
}

// resolveRepo returns the Repo row for spec.Path, creating it if this is
// the first time Kagan has seen that path — the firstTime return value
// drives whether the .gitignore augmentation gets auto-committed.
func (s *Service) resolveRepo(ctx context.Context, spec RepoSpec) (*models.Repo, bool, error) {
	existing, err := s.repos.GetByPath(ctx, spec.Path)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	repo := &models.Repo{
		ID:            idgen.New(),
		Name:          spec.Name,
		Path:          spec.Path,
		DisplayName:   spec.DisplayName,
		DefaultBranch: spec.DefaultBranch,
		Scripts:       map[string]string{},
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if err := s.repos.Create(ctx, repo); err != nil {
		return nil, false, err
	}
	return repo, true, nil
}

// AttachRepo adds an already-registered-elsewhere or brand-new repo to an
// existing project, applying the same .gitignore augmentation rule.
func (s *Service) AttachRepo(ctx context.Context, projectID string, spec RepoSpec, displayOrder int) (*models.Repo, error) {
	repo, firstTime, err := s.resolveRepo(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.git.EnsureGitignoreCommitted(ctx, repo.Path, firstTime); err != nil {
		return nil, fmt.Errorf("projectsvc: gitignore augmentation for %s: %w", repo.Path, err)
	}
	link := &models.ProjectRepo{
		ProjectID:    projectID,
		RepoID:       repo.ID,
		IsPrimary:    spec.IsPrimary,
		DisplayOrder: displayOrder,
	}
	if err := s.projectRepos.Attach(ctx, link); err != nil {
		return nil, err
	}
	return repo, nil
}

// Get returns a project by id, or nil if none exists.
func (s *Service) Get(ctx context.Context, id string) (*models.Project, error) {
	return s.projects.Get(ctx, id)
}

// List returns every project, most recently updated first.
func (s *Service) List(ctx context.Context) ([]*models.Project, error) {
	return s.projects.List(ctx)
}

// ListRepos returns every repo attached to a project, in display order.
func (s *Service) ListRepos(ctx context.Context, projectID string) ([]*models.Repo, error) {
	return s.repos.ListForProject(ctx, projectID)
}
