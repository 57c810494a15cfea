package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellisauth/trellis/internal/shared"
)

func newPolicyService(t *testing.T, policy Policy) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	return NewService(repo, testRegistry(t), discardLogger(), policy, nil, nil, nil), repo
}

func mustDef(t *testing.T, svc *Service, name, contentType string, codenames ...string) RoleDefinition {
	t.Helper()
	rd, err := svc.CreateRoleDefinition(context.Background(), RoleDefinitionInput{
		Name:        name,
		ContentType: contentType,
		Codenames:   codenames,
	})
	require.NoError(t, err)
	return rd
}

func ident(userID int64) *shared.Identity {
	return &shared.Identity{UserID: userID}
}

func TestCreateRoleDefinition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rd, err := svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name:        "inventory editor",
		Description: "  edit inventories  ",
		ContentType: TypeOrganization,
		Codenames:   []string{"view_inventory", "change_inventory", "view_inventory"},
	})
	require.NoError(t, err)
	require.NotZero(t, rd.ID)
	require.Equal(t, "edit inventories", rd.Description)
	require.Equal(t, []Permission{
		{Codename: "change_inventory", ContentType: "inventory"},
		{Codename: "view_inventory", ContentType: "inventory"},
	}, rd.Permissions)
	require.False(t, rd.Global())

	got, err := svc.GetRoleDefinitionByName(ctx, "inventory editor")
	require.NoError(t, err)
	require.Equal(t, rd.ID, got.ID)
}

func TestCreateRoleDefinitionDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustDef(t, svc, "editor", TypeOrganization, "view_inventory")
	_, err := svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name:        "editor",
		ContentType: TypeOrganization,
		Codenames:   []string{"change_inventory", "view_inventory"},
	})
	require.True(t, shared.IsValidation(err))
}

func TestCreateRoleDefinitionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input RoleDefinitionInput
	}{
		{"empty name", RoleDefinitionInput{ContentType: TypeOrganization, Codenames: []string{"view_inventory"}}},
		{"no permissions", RoleDefinitionInput{Name: "r", ContentType: TypeOrganization}},
		{"unknown codename", RoleDefinitionInput{Name: "r", ContentType: TypeOrganization, Codenames: []string{"fly_inventory"}}},
		{"unknown content type", RoleDefinitionInput{Name: "r", ContentType: "ghost", Codenames: []string{"view_inventory"}}},
		{"member in global role", RoleDefinitionInput{Name: "r", Codenames: []string{CodenameMemberTeam}}},
		{"add at own level", RoleDefinitionInput{Name: "r", ContentType: TypeOrganization, Codenames: []string{"add_organization"}}},
		{"permission outside subtree", RoleDefinitionInput{Name: "r", ContentType: TypeTeam, Codenames: []string{"view_inventory"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateRoleDefinition(ctx, tc.input)
			require.True(t, shared.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestCreateRoleDefinitionPairRules(t *testing.T) {
	policy := PermissivePolicy()
	policy.RequireView = true
	policy.RequireChangeForDelete = true
	svc, _ := newPolicyService(t, policy)
	ctx := context.Background()

	_, err := svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "blind writer", ContentType: TypeOrganization,
		Codenames: []string{"change_inventory"},
	})
	require.True(t, shared.IsValidation(err))

	_, err = svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "deleter", ContentType: TypeOrganization,
		Codenames: []string{"delete_inventory", "view_inventory"},
	})
	require.True(t, shared.IsValidation(err))

	_, err = svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "full", ContentType: TypeOrganization,
		Codenames: []string{"view_inventory", "change_inventory", "delete_inventory"},
	})
	require.NoError(t, err)

	// Pure read roles need no companion permissions.
	_, err = svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "reader", ContentType: TypeOrganization,
		Codenames: []string{"view_inventory"},
	})
	require.NoError(t, err)
}

func TestCreateRoleDefinitionCustomRolesDisabled(t *testing.T) {
	policy := PermissivePolicy()
	policy.AllowCustomRoles = false
	svc, _ := newPolicyService(t, policy)
	ctx := context.Background()

	_, err := svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "custom", ContentType: TypeOrganization, Codenames: []string{"view_inventory"},
	})
	require.True(t, shared.IsValidation(err))

	_, err = svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "managed", ContentType: TypeOrganization, Codenames: []string{"view_inventory"}, Managed: true,
	})
	require.NoError(t, err)
}

func TestGetOrCreateRoleDefinitionDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "editor", ContentType: TypeOrganization,
		Codenames: []string{"view_inventory", "change_inventory"},
	})
	require.NoError(t, err)

	// Same permission set under a different name and order reuses the row.
	second, err := svc.GetOrCreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "editor again", ContentType: TypeOrganization,
		Codenames: []string{"change_inventory", "view_inventory"},
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	third, err := svc.GetOrCreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "viewer", ContentType: TypeOrganization,
		Codenames: []string{"view_inventory"},
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	defs, err := svc.ListRoleDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
}

func TestEditPermissionsRecomputesCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreateObject(t, svc, orgObj(1))
	mustCreateObject(t, svc, inventoryObj(10, 1))
	rd := mustDef(t, svc, "viewer", TypeOrganization, "view_inventory")
	_, err := svc.Give(ctx, UserActor(7), rd.ID, orgObj(1).Ref())
	require.NoError(t, err)

	inv := ObjectRef{ContentType: "inventory", ID: IntID(10)}
	ok, err := svc.HasPermission(ctx, ident(7), inv, "change_inventory")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.AddPermission(ctx, rd.ID, "change_inventory"))
	ok, err = svc.HasPermission(ctx, ident(7), inv, "change_inventory")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.RemovePermission(ctx, rd.ID, "change_inventory"))
	ok, err = svc.HasPermission(ctx, ident(7), inv, "change_inventory")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = svc.HasPermission(ctx, ident(7), inv, "view_inventory")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEditPermissionsManagedImmutable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rd, err := svc.CreateRoleDefinition(ctx, RoleDefinitionInput{
		Name: "org admin", ContentType: TypeOrganization,
		Codenames: []string{"view_inventory"}, Managed: true,
	})
	require.NoError(t, err)

	require.True(t, shared.IsValidation(svc.AddPermission(ctx, rd.ID, "change_inventory")))
	require.True(t, shared.IsValidation(svc.RemovePermission(ctx, rd.ID, "view_inventory")))
	require.True(t, shared.IsValidation(svc.DeleteRoleDefinition(ctx, rd.ID)))
}

func TestDeleteRoleDefinitionCascades(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	mustCreateObject(t, svc, orgObj(1))
	mustCreateObject(t, svc, inventoryObj(10, 1))
	rd := mustDef(t, svc, "viewer", TypeOrganization, "view_inventory")
	_, err := svc.Give(ctx, UserActor(7), rd.ID, orgObj(1).Ref())
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRoleDefinition(ctx, rd.ID))

	_, err = svc.GetRoleDefinition(ctx, rd.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, repo.roles)
	require.Empty(t, repo.assignments)
	require.Empty(t, repo.evals)

	ok, err := svc.HasPermission(ctx, ident(7), ObjectRef{ContentType: "inventory", ID: IntID(10)}, "view_inventory")
	require.NoError(t, err)
	require.False(t, ok)
}
