package authz

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
)

type fakeStore struct {
	users       map[uuid.UUID]persistence.User
	owners      map[uuid.UUID]uuid.UUID // org -> owner
	teams       map[uuid.UUID]persistence.Team
	roles       map[uuid.UUID]persistence.Role
	assignments []persistence.RoleAssignment
	audits      []persistence.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[uuid.UUID]persistence.User),
		owners: make(map[uuid.UUID]uuid.UUID),
		teams:  make(map[uuid.UUID]persistence.Team),
		roles:  make(map[uuid.UUID]persistence.Role),
	}
}

func (f *fakeStore) addTeam(orgID uuid.UUID) persistence.Team {
	team := persistence.Team{ID: uuid.New(), OrganizationID: orgID, Slug: "team-" + uuid.NewString()[:8], Status: persistence.StatusActive}
	f.teams[team.ID] = team
	return team
}

func (f *fakeStore) addUser(status string) uuid.UUID {
	id := uuid.New()
	f.users[id] = persistence.User{ID: id, Email: id.String() + "@example.com", Status: status}
	return id
}

func (f *fakeStore) addRole(name string, orgID uuid.NullUUID, isSystem bool, permNames ...string) persistence.Role {
	bitmap := permissions.FromNames(permNames)
	role := persistence.Role{
		ID:             uuid.New(),
		Name:           name,
		PermsLow:       bitmap.LoString(),
		PermsHigh:      bitmap.HiString(),
		IsSystem:       isSystem,
		OrganizationID: orgID,
	}
	f.roles[role.ID] = role
	return role
}

func (f *fakeStore) assign(userID, roleID uuid.UUID, orgID, teamID uuid.NullUUID) {
	f.assignments = append(f.assignments, persistence.RoleAssignment{
		ID:             uuid.New(),
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: orgID,
		TeamID:         teamID,
	})
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (persistence.User, error) {
	user, ok := f.users[id]
	if !ok {
		return persistence.User{}, persistence.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) IsOrganizationOwner(_ context.Context, orgID, userID uuid.UUID) (bool, error) {
	return f.owners[orgID] == userID, nil
}

func (f *fakeStore) ListUserOrganizations(_ context.Context, userID uuid.UUID) ([]persistence.OrganizationMembership, error) {
	var out []persistence.OrganizationMembership
	for orgID, owner := range f.owners {
		if owner == userID {
			out = append(out, persistence.OrganizationMembership{OrganizationID: orgID, IsOwner: true})
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrganizationByID(_ context.Context, id uuid.UUID) (persistence.Organization, error) {
	owner, ok := f.owners[id]
	if !ok {
		return persistence.Organization{}, persistence.ErrOrganizationNotFound
	}
	return persistence.Organization{ID: id, OwnerID: owner, Status: persistence.StatusActive}, nil
}

func (f *fakeStore) GetTeamByID(_ context.Context, id uuid.UUID) (persistence.Team, error) {
	team, ok := f.teams[id]
	if !ok {
		return persistence.Team{}, persistence.ErrTeamNotFound
	}
	return team, nil
}

func (f *fakeStore) CreateOrganization(_ context.Context, input persistence.NewOrganizationInput) (persistence.Organization, error) {
	id := uuid.New()
	f.owners[id] = input.OwnerID
	return persistence.Organization{ID: id, Slug: input.Slug, OwnerID: input.OwnerID, Status: persistence.StatusActive, CreatedAt: time.Now()}, nil
}

func (f *fakeStore) CreateTeam(_ context.Context, input persistence.NewTeamInput) (persistence.Team, error) {
	team := persistence.Team{ID: uuid.New(), OrganizationID: input.OrganizationID, Slug: input.Slug, Status: persistence.StatusActive, CreatedAt: time.Now()}
	f.teams[team.ID] = team
	return team, nil
}

func (f *fakeStore) GetRoleByID(_ context.Context, id uuid.UUID) (persistence.Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return persistence.Role{}, persistence.ErrRoleNotFound
	}
	return role, nil
}

func (f *fakeStore) ListRoles(_ context.Context, orgID uuid.NullUUID) ([]persistence.Role, error) {
	var out []persistence.Role
	for _, role := range f.roles {
		if role.OrganizationID == orgID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateRoleWithAudit(_ context.Context, input persistence.NewRoleInput, audit persistence.AuditEntry) (persistence.Role, error) {
	role := persistence.Role{
		ID:             uuid.New(),
		Name:           input.Name,
		Description:    sql.NullString{String: input.Description, Valid: input.Description != ""},
		PermsLow:       input.Bitmap.LoString(),
		PermsHigh:      input.Bitmap.HiString(),
		IsSystem:       input.IsSystem,
		OrganizationID: input.OrganizationID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.roles[role.ID] = role
	f.audits = append(f.audits, audit)
	return role, nil
}

func (f *fakeStore) UpdateRoleWithAudit(_ context.Context, id uuid.UUID, description string, bitmap permissions.Bitmap, audit persistence.AuditEntry) (persistence.Role, error) {
	role, ok := f.roles[id]
	if !ok || role.IsSystem {
		return persistence.Role{}, persistence.ErrRoleNotFound
	}
	role.Description = sql.NullString{String: description, Valid: description != ""}
	role.PermsLow = bitmap.LoString()
	role.PermsHigh = bitmap.HiString()
	f.roles[id] = role
	f.audits = append(f.audits, audit)
	return role, nil
}

func (f *fakeStore) DeleteRoleWithAudit(_ context.Context, id uuid.UUID, audit persistence.AuditEntry) error {
	role, ok := f.roles[id]
	if !ok || role.IsSystem {
		return persistence.ErrRoleNotFound
	}
	delete(f.roles, id)
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeStore) ListActiveAssignments(_ context.Context, userID uuid.UUID, orgID, teamID uuid.NullUUID) ([]persistence.RoleAssignment, error) {
	var out []persistence.RoleAssignment
	for _, a := range f.assignments {
		if a.UserID == userID && a.OrganizationID == orgID && a.TeamID == teamID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAssignmentWithAudit(_ context.Context, a persistence.RoleAssignment, audit persistence.AuditEntry) (persistence.RoleAssignment, error) {
	for _, existing := range f.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID &&
			existing.OrganizationID == a.OrganizationID && existing.TeamID == a.TeamID {
			return persistence.RoleAssignment{}, persistence.ErrAssignmentExists
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	f.assignments = append(f.assignments, a)
	f.audits = append(f.audits, audit)
	return a, nil
}

func (f *fakeStore) DeleteAssignmentWithAudit(_ context.Context, userID, roleID uuid.UUID, orgID, teamID uuid.NullUUID, audit persistence.AuditEntry) error {
	for i, a := range f.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.OrganizationID == orgID && a.TeamID == teamID {
			f.assignments = append(f.assignments[:i], f.assignments[i+1:]...)
			f.audits = append(f.audits, audit)
			return nil
		}
	}
	return persistence.ErrAssignmentNotFound
}

func (f *fakeStore) QueryAudit(_ context.Context, _ persistence.AuditFilter) ([]persistence.AuditEntry, error) {
	out := make([]persistence.AuditEntry, len(f.audits))
	copy(out, f.audits)
	return out, nil
}

func org(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}

func TestOwnerShortCircuit(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	owner := store.addUser(persistence.StatusActive)
	orgID := uuid.New()
	store.owners[orgID] = owner

	effective, err := svc.EffectivePermissions(context.Background(), owner, org(orgID), uuid.NullUUID{})
	require.NoError(t, err)
	assert.True(t, effective.IsOwner)
	assert.Equal(t, permissions.FullSuperset, effective.Bitmap)
	assert.Len(t, effective.Names, len(permissions.All()))
	assert.Empty(t, store.assignments)
}

func TestEffectivePermissionsUnionsAssignments(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	user := store.addUser(persistence.StatusActive)
	orgID := uuid.New()
	viewer := store.addRole("viewer", org(orgID), false, "org.view", "team.view")
	editor := store.addRole("editor", org(orgID), false, "data.read", "data.write")
	store.assign(user, viewer.ID, org(orgID), uuid.NullUUID{})
	store.assign(user, editor.ID, org(orgID), uuid.NullUUID{})

	effective, err := svc.EffectivePermissions(context.Background(), user, org(orgID), uuid.NullUUID{})
	require.NoError(t, err)
	assert.False(t, effective.IsOwner)
	want := permissions.FromNames([]string{"org.view", "team.view", "data.read", "data.write"})
	assert.Equal(t, want, effective.Bitmap)
}

func TestEffectivePermissionsTeamRequiresOrg(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	_, err := svc.EffectivePermissions(context.Background(), uuid.New(), uuid.NullUUID{}, org(uuid.New()))
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestEffectivePermissionsScopesNeverMerge(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	user := store.addUser(persistence.StatusActive)
	orgID := uuid.New()
	teamID := uuid.New()
	role := store.addRole("org-level", org(orgID), false, "org.view")
	store.assign(user, role.ID, org(orgID), uuid.NullUUID{})

	// Org-scoped assignment does not surface at team scope.
	effective, err := svc.EffectivePermissions(context.Background(), user, org(orgID), org(teamID))
	require.NoError(t, err)
	assert.True(t, effective.Bitmap.IsZero())
}

func TestGrantRequiresSuperset(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	grantor := store.addUser(persistence.StatusActive)
	target := store.addUser(persistence.StatusActive)

	member := store.addRole("member", org(orgID), false, "org.view")
	admin := store.addRole("admin", org(orgID), false, "org.view", "admin.users.suspend")
	store.assign(grantor, member.ID, org(orgID), uuid.NullUUID{})

	_, err := svc.GrantRole(context.Background(), grantor, GrantInput{
		UserID:         target,
		RoleID:         admin.ID,
		OrganizationID: org(orgID),
	})
	assert.ErrorIs(t, err, ErrCannotGrant)
	assert.Empty(t, store.audits)
}

func TestGrantSuccessWritesAudit(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	target := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner
	member := store.addRole("member", org(orgID), false, "org.view", "data.read")

	assignment, err := svc.GrantRole(context.Background(), owner, GrantInput{
		UserID:         target,
		RoleID:         member.ID,
		OrganizationID: org(orgID),
	})
	require.NoError(t, err)
	assert.Equal(t, target, assignment.UserID)
	assert.Equal(t, owner, assignment.GrantedBy)

	require.Len(t, store.audits, 1)
	audit := store.audits[0]
	assert.Equal(t, persistence.AuditActionGrant, audit.Action)
	assert.Equal(t, owner, audit.ActorID)
	assert.Equal(t, target, audit.TargetID.UUID)
	assert.Contains(t, string(audit.Metadata), "member")

	// Double grant of the same tuple is rejected.
	_, err = svc.GrantRole(context.Background(), owner, GrantInput{
		UserID:         target,
		RoleID:         member.ID,
		OrganizationID: org(orgID),
	})
	assert.ErrorIs(t, err, persistence.ErrAssignmentExists)
}

func TestGrantToSuspendedTarget(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	target := store.addUser(persistence.StatusSuspended)
	store.owners[orgID] = owner
	role := store.addRole("member", org(orgID), false, "org.view")

	_, err := svc.GrantRole(context.Background(), owner, GrantInput{
		UserID:         target,
		RoleID:         role.ID,
		OrganizationID: org(orgID),
	})
	assert.ErrorIs(t, err, ErrTargetSuspended)
}

func TestGrantTeamMustBelongToOrg(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	otherOrg := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	target := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner
	store.owners[otherOrg] = owner
	role := store.addRole("member", org(orgID), false, "team.view")
	foreign := store.addTeam(otherOrg)

	_, err := svc.GrantRole(context.Background(), owner, GrantInput{
		UserID:         target,
		RoleID:         role.ID,
		OrganizationID: org(orgID),
		TeamID:         org(foreign.ID),
	})
	assert.ErrorIs(t, err, ErrInvalidScope)

	local := store.addTeam(orgID)
	_, err = svc.GrantRole(context.Background(), owner, GrantInput{
		UserID:         target,
		RoleID:         role.ID,
		OrganizationID: org(orgID),
		TeamID:         org(local.ID),
	})
	assert.NoError(t, err)
}

func TestCreateOrganizationAndTeam(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	owner := store.addUser(persistence.StatusActive)
	created, err := svc.CreateOrganization(context.Background(), owner, "acme")
	require.NoError(t, err)
	assert.Equal(t, owner, created.OwnerID)

	// The new owner short-circuits to the full superset at their org scope.
	effective, err := svc.EffectivePermissions(context.Background(), owner, org(created.ID), uuid.NullUUID{})
	require.NoError(t, err)
	assert.True(t, effective.IsOwner)

	team, err := svc.CreateTeam(context.Background(), created.ID, "core")
	require.NoError(t, err)
	assert.Equal(t, created.ID, team.OrganizationID)

	_, err = svc.CreateTeam(context.Background(), uuid.New(), "orphan")
	assert.ErrorIs(t, err, persistence.ErrOrganizationNotFound)
}

func TestRevokeRequiresSuperset(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	revoker := store.addUser(persistence.StatusActive)
	target := store.addUser(persistence.StatusActive)

	viewer := store.addRole("viewer", org(orgID), false, "org.view")
	admin := store.addRole("admin", org(orgID), false, "admin.users.suspend")
	store.assign(revoker, viewer.ID, org(orgID), uuid.NullUUID{})
	store.assign(target, admin.ID, org(orgID), uuid.NullUUID{})

	err := svc.RevokeRole(context.Background(), revoker, RevokeInput{
		UserID:         target,
		RoleID:         admin.ID,
		OrganizationID: org(orgID),
	})
	assert.ErrorIs(t, err, ErrCannotRevoke)
}

func TestRevokeMissingAssignment(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner
	role := store.addRole("member", org(orgID), false, "org.view")

	err := svc.RevokeRole(context.Background(), owner, RevokeInput{
		UserID:         uuid.New(),
		RoleID:         role.ID,
		OrganizationID: org(orgID),
	})
	assert.ErrorIs(t, err, persistence.ErrAssignmentNotFound)
}

func TestCreateRoleDropsUnknownNames(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner

	role, err := svc.CreateRole(context.Background(), owner, CreateRoleInput{
		Name:            "custom",
		PermissionNames: []string{"org.view", "definitely.not.real", "data.read"},
		OrganizationID:  org(orgID),
	})
	require.NoError(t, err)

	bitmap, err := role.Bitmap()
	require.NoError(t, err)
	assert.Equal(t, permissions.FromNames([]string{"org.view", "data.read"}), bitmap)
	require.Len(t, store.audits, 1)
	assert.Equal(t, persistence.AuditActionRoleCreate, store.audits[0].Action)
}

func TestCreateRoleRequiresSuperset(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	creator := store.addUser(persistence.StatusActive)
	viewer := store.addRole("viewer", org(orgID), false, "org.view")
	store.assign(creator, viewer.ID, org(orgID), uuid.NullUUID{})

	_, err := svc.CreateRole(context.Background(), creator, CreateRoleInput{
		Name:            "escalation",
		PermissionNames: []string{"admin.users.suspend"},
		OrganizationID:  org(orgID),
	})
	assert.ErrorIs(t, err, ErrCannotCreateRole)
}

func TestSystemRoleImmutable(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner
	system := store.addRole("platform-admin", uuid.NullUUID{}, true, "org.view")

	_, err := svc.UpdateRole(context.Background(), owner, system.ID, "new desc", []string{"org.view"})
	assert.ErrorIs(t, err, ErrSystemRole)

	err = svc.DeleteRole(context.Background(), owner, system.ID)
	assert.ErrorIs(t, err, ErrSystemRole)
}

func TestDeleteRoleAuditKeepsRoleID(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	store.owners[orgID] = owner
	role := store.addRole("retired", org(orgID), false, "org.view")

	require.NoError(t, svc.DeleteRole(context.Background(), owner, role.ID))

	// The audit row must keep pointing at the deleted role.
	require.Len(t, store.audits, 1)
	audit := store.audits[0]
	assert.Equal(t, persistence.AuditActionRoleDelete, audit.Action)
	assert.Equal(t, role.ID, audit.RoleID.UUID)
	assert.Contains(t, string(audit.Metadata), "retired")
}

func TestRequireCapability(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	orgID := uuid.New()
	owner := store.addUser(persistence.StatusActive)
	plain := store.addUser(persistence.StatusActive)
	suspended := store.addUser(persistence.StatusSuspended)
	store.owners[orgID] = owner

	ctx := context.Background()
	assert.NoError(t, svc.RequireCapability(ctx, owner, org(orgID), uuid.NullUUID{}, permissions.NameGrant))
	assert.ErrorIs(t, svc.RequireCapability(ctx, plain, org(orgID), uuid.NullUUID{}, permissions.NameGrant), ErrCapabilityDenied)
	assert.ErrorIs(t, svc.RequireCapability(ctx, suspended, org(orgID), uuid.NullUUID{}, permissions.NameGrant), ErrCapabilityDenied)
}

func TestOrganizationClaims(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, zerolog.Nop())

	owner := store.addUser(persistence.StatusActive)
	orgID := uuid.New()
	store.owners[orgID] = owner

	claims, err := svc.OrganizationClaims(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, orgID.String(), claims[0].ID)
	assert.Equal(t, "owner", claims[0].Role)
	require.Len(t, claims[0].Permissions, 2)
	assert.Equal(t, permissions.FullSuperset.LoString(), claims[0].Permissions[0])
	assert.Equal(t, permissions.FullSuperset.HiString(), claims[0].Permissions[1])
}
