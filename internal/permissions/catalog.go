package permissions

// Domain groups related permissions. It is informational only; enforcement
// never branches on it.
type Domain string

const (
	DomainOrganization Domain = "organization"
	DomainTeam         Domain = "team"
	DomainRepository   Domain = "repository"
	DomainData         Domain = "data"
	DomainCollab       Domain = "collaboration"
	DomainAdmin        Domain = "admin"
	DomainPermissions  Domain = "permissions"
)

// Permission is one named entry in the catalog. Bit positions are part of
// the storage format and must never be renumbered once persisted.
type Permission struct {
	Name        string
	Bit         uint
	Domain      Domain
	Description string
}

// Names of the capabilities checked as coarse gates before the permission
// flows run.
const (
	NameGrant      = "perm.grant"
	NameRevoke     = "perm.revoke"
	NameRoleCreate = "perm.role.create"
	NameRoleUpdate = "perm.role.update"
	NameRoleDelete = "perm.role.delete"
	NameRoleView   = "perm.role.view"
	NameAuditView  = "admin.audit.view"
	NameUsersView  = "admin.users.view"
	NameTeamCreate = "org.teams.create"
)

// catalog is the fixed permission space, in declaration order. Bitmap-to-name
// conversion walks this slice, so the order here is the canonical one.
var catalog = []Permission{
	// organization: bits 0-12
	{Name: "org.view", Bit: 0, Domain: DomainOrganization, Description: "View organization"},
	{Name: "org.update", Bit: 1, Domain: DomainOrganization, Description: "Update organization profile"},
	{Name: "org.delete", Bit: 2, Domain: DomainOrganization, Description: "Delete organization"},
	{Name: "org.settings.view", Bit: 3, Domain: DomainOrganization, Description: "View organization settings"},
	{Name: "org.settings.update", Bit: 4, Domain: DomainOrganization, Description: "Update organization settings"},
	{Name: "org.members.view", Bit: 5, Domain: DomainOrganization, Description: "View organization members"},
	{Name: "org.members.invite", Bit: 6, Domain: DomainOrganization, Description: "Invite organization members"},
	{Name: "org.members.remove", Bit: 7, Domain: DomainOrganization, Description: "Remove organization members"},
	{Name: NameTeamCreate, Bit: 8, Domain: DomainOrganization, Description: "Create teams"},
	{Name: "org.teams.view", Bit: 9, Domain: DomainOrganization, Description: "View teams"},
	{Name: "org.billing.view", Bit: 10, Domain: DomainOrganization, Description: "View billing"},
	{Name: "org.billing.update", Bit: 11, Domain: DomainOrganization, Description: "Update billing"},
	{Name: "org.transfer", Bit: 12, Domain: DomainOrganization, Description: "Transfer organization ownership"},

	// team: bits 20-26
	{Name: "team.view", Bit: 20, Domain: DomainTeam, Description: "View team"},
	{Name: "team.update", Bit: 21, Domain: DomainTeam, Description: "Update team"},
	{Name: "team.delete", Bit: 22, Domain: DomainTeam, Description: "Delete team"},
	{Name: "team.members.view", Bit: 23, Domain: DomainTeam, Description: "View team members"},
	{Name: "team.members.add", Bit: 24, Domain: DomainTeam, Description: "Add team members"},
	{Name: "team.members.remove", Bit: 25, Domain: DomainTeam, Description: "Remove team members"},
	{Name: "team.settings.update", Bit: 26, Domain: DomainTeam, Description: "Update team settings"},

	// repository: bits 30-36
	{Name: "repo.view", Bit: 30, Domain: DomainRepository, Description: "View repositories"},
	{Name: "repo.create", Bit: 31, Domain: DomainRepository, Description: "Create repositories"},
	{Name: "repo.update", Bit: 32, Domain: DomainRepository, Description: "Update repositories"},
	{Name: "repo.delete", Bit: 33, Domain: DomainRepository, Description: "Delete repositories"},
	{Name: "repo.push", Bit: 34, Domain: DomainRepository, Description: "Push to repositories"},
	{Name: "repo.pull", Bit: 35, Domain: DomainRepository, Description: "Pull from repositories"},
	{Name: "repo.admin", Bit: 36, Domain: DomainRepository, Description: "Administer repositories"},

	// data: bits 40-44
	{Name: "data.read", Bit: 40, Domain: DomainData, Description: "Read data"},
	{Name: "data.write", Bit: 41, Domain: DomainData, Description: "Write data"},
	{Name: "data.delete", Bit: 42, Domain: DomainData, Description: "Delete data"},
	{Name: "data.export", Bit: 43, Domain: DomainData, Description: "Export data"},
	{Name: "data.import", Bit: 44, Domain: DomainData, Description: "Import data"},

	// collaboration: bits 50-59
	{Name: "issue.view", Bit: 50, Domain: DomainCollab, Description: "View issues"},
	{Name: "issue.create", Bit: 51, Domain: DomainCollab, Description: "Create issues"},
	{Name: "issue.update", Bit: 52, Domain: DomainCollab, Description: "Update issues"},
	{Name: "issue.close", Bit: 53, Domain: DomainCollab, Description: "Close issues"},
	{Name: "pr.view", Bit: 54, Domain: DomainCollab, Description: "View pull requests"},
	{Name: "pr.create", Bit: 55, Domain: DomainCollab, Description: "Create pull requests"},
	{Name: "pr.review", Bit: 56, Domain: DomainCollab, Description: "Review pull requests"},
	{Name: "pr.merge", Bit: 57, Domain: DomainCollab, Description: "Merge pull requests"},
	{Name: "comment.create", Bit: 58, Domain: DomainCollab, Description: "Create comments"},
	{Name: "comment.delete", Bit: 59, Domain: DomainCollab, Description: "Delete comments"},

	// admin: bits 60-68
	{Name: "admin.users.view", Bit: 60, Domain: DomainAdmin, Description: "View all users"},
	{Name: "admin.users.update", Bit: 61, Domain: DomainAdmin, Description: "Update any user"},
	{Name: "admin.users.suspend", Bit: 62, Domain: DomainAdmin, Description: "Suspend users"},
	{Name: "admin.audit.view", Bit: 63, Domain: DomainAdmin, Description: "View audit logs"},
	{Name: "admin.settings", Bit: 64, Domain: DomainAdmin, Description: "Manage system settings"},
	{Name: "admin.apikeys", Bit: 65, Domain: DomainAdmin, Description: "Manage API keys"},
	{Name: "admin.webhooks", Bit: 66, Domain: DomainAdmin, Description: "Manage webhooks"},
	{Name: "admin.integrations", Bit: 67, Domain: DomainAdmin, Description: "Manage integrations"},
	{Name: "admin.billing", Bit: 68, Domain: DomainAdmin, Description: "Manage platform billing"},

	// permission management: bits 70-75
	{Name: NameGrant, Bit: 70, Domain: DomainPermissions, Description: "Grant roles"},
	{Name: NameRevoke, Bit: 71, Domain: DomainPermissions, Description: "Revoke roles"},
	{Name: NameRoleCreate, Bit: 72, Domain: DomainPermissions, Description: "Create roles"},
	{Name: NameRoleUpdate, Bit: 73, Domain: DomainPermissions, Description: "Update roles"},
	{Name: NameRoleDelete, Bit: 74, Domain: DomainPermissions, Description: "Delete roles"},
	{Name: NameRoleView, Bit: 75, Domain: DomainPermissions, Description: "View roles"},
}

var (
	byName = make(map[string]Permission, len(catalog))

	// FullSuperset has every catalog bit set. Organization owners hold it
	// implicitly, with no assignment rows.
	FullSuperset Bitmap
)

func init() {
	for _, p := range catalog {
		if _, dup := byName[p.Name]; dup {
			panic("permissions: duplicate name " + p.Name)
		}
		if FullSuperset.Has(Bit(p.Bit)) {
			panic("permissions: duplicate bit for " + p.Name)
		}
		byName[p.Name] = p
		FullSuperset = FullSuperset.Grant(Bit(p.Bit))
	}
}

// All returns the catalog in declaration order.
func All() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup resolves a permission by name.
func Lookup(name string) (Permission, bool) {
	p, ok := byName[name]
	return p, ok
}

// Named returns the single-bit bitmap for a catalog name, or the empty bitmap
// for an unknown name.
func Named(name string) Bitmap {
	p, ok := byName[name]
	if !ok {
		return Bitmap{}
	}
	return Bit(p.Bit)
}

// FromNames ORs together the bits for the given names. Unknown names are
// skipped silently so that older peers can send newer names without breaking.
func FromNames(names []string) Bitmap {
	var b Bitmap
	for _, name := range names {
		if p, ok := byName[name]; ok {
			b = b.Grant(Bit(p.Bit))
		}
	}
	return b
}

// Names decodes a bitmap into catalog names, in declaration order.
func Names(b Bitmap) []string {
	out := make([]string, 0, len(catalog))
	for _, p := range catalog {
		if b.Has(Bit(p.Bit)) {
			out = append(out, p.Name)
		}
	}
	return out
}
