package rbac

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/trellisauth/trellis/internal/registry"
	"github.com/trellisauth/trellis/internal/shared"
)

// Policy collects the configurable gates evaluated before any mutation.
// Violating a disabled gate fails with a validation error, never a silent
// no-op. The zero value of the Require*/Propagate flags matches the
// permissive defaults.
type Policy struct {
	// AllowCustomRoles permits creation of non-managed role definitions.
	AllowCustomRoles bool
	// AllowTeamToTeam permits assigning roles to a team on another team.
	AllowTeamToTeam bool
	// AllowTeamToParent permits assigning roles to a team on objects of the
	// team's own parent type (organizations).
	AllowTeamToParent bool
	// AllowTeamOrgMembership permits member_team grants scoped to an
	// organization (membership in every team of the org).
	AllowTeamOrgMembership bool
	// AllowTeamGlobalRoles permits assigning global roles to teams.
	AllowTeamGlobalRoles bool

	// RequireView demands "view" whenever a mutating permission for the
	// same type is present in a role definition.
	RequireView bool
	// RequireChangeForDelete demands "change" alongside "delete".
	RequireChangeForDelete bool
	// PropagateParentPermissions additionally records child-type grants as
	// shadow entries on the parent object itself.
	PropagateParentPermissions bool

	// BypassFlags lists identity attributes granting blanket access.
	BypassFlags []string
}

// PermissivePolicy returns the default-permissive gate configuration.
func PermissivePolicy() Policy {
	return Policy{
		AllowCustomRoles:       true,
		AllowTeamToTeam:        true,
		AllowTeamToParent:      true,
		AllowTeamOrgMembership: true,
		AllowTeamGlobalRoles:   true,
		BypassFlags:            []string{"is_superuser"},
	}
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// GenerationStore tracks the team/global grant generation counter and the
// per-generation global-permission memo. A nil store disables memoization.
type GenerationStore interface {
	Bump(ctx context.Context) error
	Current(ctx context.Context) (int64, error)
	GetGlobalMemo(ctx context.Context, generation, userID int64) ([]string, bool)
	SetGlobalMemo(ctx context.Context, generation, userID int64, codenames []string)
}

// MetricsPort records cache-maintenance metrics.
type MetricsPort interface {
	ObserveRecompute(roles, added, removed int)
	ObserveTeamRebuild(edgesAdded, edgesRemoved int)
	ObserveDrift(roles int)
}

// Service is the access-control engine: role definition store, assignment
// store, team hierarchy resolver, evaluation cache builder, trigger layer
// and evaluation queries. Cache recomputation runs inline with the
// mutation that triggered it; callers get back a consistent cache.
type Service struct {
	repo    RepositoryPort
	reg     *registry.Registry
	logger  *slog.Logger
	policy  Policy
	audit   AuditPort
	gens    GenerationStore
	metrics MetricsPort

	globalGroup singleflight.Group
}

// NewService builds Service. audit, gens and metrics may be nil.
func NewService(repo RepositoryPort, reg *registry.Registry, logger *slog.Logger, policy Policy, audit AuditPort, gens GenerationStore, metrics MetricsPort) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, reg: reg, logger: logger, policy: policy, audit: audit, gens: gens, metrics: metrics}
}

// Registry exposes the type catalog backing this service.
func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

// bumpGeneration invalidates memoized team-derived and global grants.
func (s *Service) bumpGeneration(ctx context.Context) {
	if s.gens == nil {
		return
	}
	if err := s.gens.Bump(ctx); err != nil {
		s.logger.Warn("generation bump failed", slog.Any("error", err))
	}
}
