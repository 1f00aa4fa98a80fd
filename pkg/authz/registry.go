package authz

const (
	RoleTenantAdmin = "tenant-admin"
	RoleAnonymous   = "anonymous"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectOrgUnitVersionPlans = "orgunit.version-plans"
	ObjectOrgUnitWrites       = "orgunit.writes"
	ObjectDictReleases        = "dicts.releases"
)
