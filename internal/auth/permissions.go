package auth

// Permission keys form a closed catalog. Custom roles may only reference keys
// listed here.
const (
	PermGraphCreate       = "graph.create"
	PermGraphRead         = "graph.read"
	PermGraphUpdate       = "graph.update"
	PermGraphDelete       = "graph.delete"
	PermGraphExecuteQuery = "graph.execute_query"

	PermNodeCreate = "node.create"
	PermNodeRead   = "node.read"
	PermNodeUpdate = "node.update"
	PermNodeDelete = "node.delete"

	PermRelationshipCreate = "relationship.create"
	PermRelationshipRead   = "relationship.read"
	PermRelationshipUpdate = "relationship.update"
	PermRelationshipDelete = "relationship.delete"

	PermMemoryCreate      = "memory.create"
	PermMemoryRead        = "memory.read"
	PermMemoryUpdate      = "memory.update"
	PermMemoryDelete      = "memory.delete"
	PermMemorySearch      = "memory.search"
	PermMemoryConsolidate = "memory.consolidate"
	PermMemoryForget      = "memory.forget"

	PermAgentCreate = "agent.create"
	PermAgentRead   = "agent.read"
	PermAgentManage = "agent.manage"

	PermUserCreate      = "user.create"
	PermUserRead        = "user.read"
	PermUserUpdate      = "user.update"
	PermUserDelete      = "user.delete"
	PermUserManageRoles = "user.manage_roles"

	PermSystemMonitor   = "system.monitor"
	PermSystemConfigure = "system.configure"
	PermSystemBackup    = "system.backup"
	PermSystemRestore   = "system.restore"

	PermAuditRead   = "audit.read"
	PermAuditManage = "audit.manage"
)

// AllPermissions lists every key in the catalog.
var AllPermissions = []string{
	PermGraphCreate, PermGraphRead, PermGraphUpdate, PermGraphDelete, PermGraphExecuteQuery,
	PermNodeCreate, PermNodeRead, PermNodeUpdate, PermNodeDelete,
	PermRelationshipCreate, PermRelationshipRead, PermRelationshipUpdate, PermRelationshipDelete,
	PermMemoryCreate, PermMemoryRead, PermMemoryUpdate, PermMemoryDelete,
	PermMemorySearch, PermMemoryConsolidate, PermMemoryForget,
	PermAgentCreate, PermAgentRead, PermAgentManage,
	PermUserCreate, PermUserRead, PermUserUpdate, PermUserDelete, PermUserManageRoles,
	PermSystemMonitor, PermSystemConfigure, PermSystemBackup, PermSystemRestore,
	PermAuditRead, PermAuditManage,
}

// System role names.
const (
	RoleAdmin         = "admin"
	RoleDeveloper     = "developer"
	RoleDataScientist = "data_scientist"
	RoleAgent         = "agent"
	RoleRead          = "read"
)

func systemRolePermissions() map[string][]string {
	return map[string][]string{
		RoleAdmin: AllPermissions,
		RoleDeveloper: {
			PermGraphCreate, PermGraphRead, PermGraphUpdate, PermGraphDelete, PermGraphExecuteQuery,
			PermNodeCreate, PermNodeRead, PermNodeUpdate, PermNodeDelete,
			PermRelationshipCreate, PermRelationshipRead, PermRelationshipUpdate, PermRelationshipDelete,
			PermMemoryCreate, PermMemoryRead, PermMemoryUpdate, PermMemoryDelete,
			PermMemorySearch, PermMemoryConsolidate, PermMemoryForget,
			PermAgentRead,
			PermSystemMonitor,
		},
		RoleDataScientist: {
			PermGraphRead, PermGraphExecuteQuery,
			PermNodeRead, PermRelationshipRead,
			PermMemoryRead, PermMemorySearch,
			PermAgentRead,
			PermSystemMonitor,
		},
		RoleAgent: {
			PermGraphRead, PermGraphExecuteQuery,
			PermNodeRead, PermRelationshipRead,
			PermMemoryCreate, PermMemoryRead, PermMemorySearch, PermMemoryConsolidate,
			PermAgentRead,
		},
		RoleRead: {
			PermGraphRead,
			PermNodeRead, PermRelationshipRead,
			PermMemoryRead,
			PermAgentRead,
		},
	}
}
