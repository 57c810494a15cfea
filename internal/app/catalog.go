package app

import (
	"fmt"

	"github.com/trellisauth/trellis/internal/rbac"
	"github.com/trellisauth/trellis/internal/registry"
)

// BuildRegistry declares the type graph once at startup and seals it.
// Every binary (server, worker, seed) shares this catalog so codenames
// resolve identically everywhere.
func BuildRegistry() (*registry.Registry, error) {
	reg := registry.New()
	steps := []error{
		reg.Register(rbac.TypeOrganization, ""),
		reg.Register(rbac.TypeTeam, rbac.TypeOrganization, "add", "change", "delete", "view", "member"),
		reg.Register("inventory", rbac.TypeOrganization),
		reg.Register("namespace", rbac.TypeOrganization),
		reg.Register("collectionimport", "namespace"),
		reg.Register(rbac.TypeRoleDefinition, ""),
		reg.Track(rbac.TypeTeam, "members", "Team Member"),
	}
	for _, err := range steps {
		if err != nil {
			return nil, fmt.Errorf("app: build registry: %w", err)
		}
	}
	reg.Seal()
	return reg, nil
}
