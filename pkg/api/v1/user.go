package v1

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a registered account. PasswordHash and MFASecret never leave
// the server; the gateway always responds with PublicUser.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	CreatedAt    int64  `json:"createdAt"`
	LastLogin    *int64 `json:"lastLogin,omitempty"`
	MFASecret    string `json:"-"`
	MFAEnabled   bool   `json:"mfaEnabled"`
}

// PublicUser is the client-visible projection of a User.
type PublicUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   int64  `json:"createdAt"`
	LastLogin   *int64 `json:"lastLogin,omitempty"`
	MFAEnabled  bool   `json:"mfaEnabled"`
}

// Public returns the client-visible projection.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLogin:   u.LastLogin,
		MFAEnabled:  u.MFAEnabled,
	}
}

// Organization groups teams and members.
type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Team is a group within an organization.
type Team struct {
	ID        string `json:"id"`
	OrgID     string `json:"orgId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Member roles within organizations and teams.
const (
	MemberOwner  = "owner"
	MemberAdmin  = "admin"
	MemberMember = "member"
)

// Member links a user to an organization or team with a role.
type Member struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"` // org id or team id
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joinedAt"`
}

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// PermissionPolicy is a subject/action/resource rule. Deny overrides
// allow regardless of insertion order.
type PermissionPolicy struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"` // user:<id>, role:<name>, or *
	Action    string `json:"action"`  // command/capability name or *
	Resource  string `json:"resource"`
	Effect    string `json:"effect"`
	CreatedAt int64  `json:"createdAt"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// AuditEntry is one immutable, sanitized record of a security-relevant
// event.
type AuditEntry struct {
	ID            int64  `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	EventType     string `json:"eventType"`
	ActorPID      *int   `json:"actorPid,omitempty"`
	ActorUID      string `json:"actorUid,omitempty"`
	Action        string `json:"action"`
	Target        string `json:"target,omitempty"`
	ArgsSanitized string `json:"argsSanitized,omitempty"`
	ResultHash    string `json:"resultHash,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
}
