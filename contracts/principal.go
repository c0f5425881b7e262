package contracts

import (
	"fmt"
	"strings"
	"unicode"
)

// Role is the kind of endpoint a principal acts as.
type Role string

const (
	RoleCloud     Role = "cloud"
	RoleClient    Role = "client"
	RoleConnector Role = "connector"
)

const maxIDLength = 128

// ParseRole accepts the role name or its queue prefix.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "client", PrefixClients:
		return RoleClient, nil
	case "connector", PrefixConnectors:
		return RoleConnector, nil
	case "cloud":
		return RoleCloud, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Prefix returns the shared queue prefix for principal roles, "" for cloud.
func (r Role) Prefix() string {
	switch r {
	case RoleClient:
		return PrefixClients
	case RoleConnector:
		return PrefixConnectors
	}
	return ""
}

// IDHeader returns the reserved header that carries this role's id.
func (r Role) IDHeader() string {
	switch r {
	case RoleClient:
		return HeaderClientID
	case RoleConnector:
		return HeaderConnectorID
	}
	return ""
}

// Principal is an authenticated identity. It is only ever built from
// validated token claims.
type Principal struct {
	TenantID string `json:"tid"`
	Role     Role   `json:"role"`
	RoleID   string `json:"sub"`
}

// Validate checks that the identity is usable for addressing.
func (p Principal) Validate() error {
	if err := ValidateID(p.TenantID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTenantID, err)
	}
	if p.Role != RoleClient && p.Role != RoleConnector {
		return fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	if err := ValidateID(p.RoleID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoleID, err)
	}
	return nil
}

// Key is the push-session address of the principal.
func (p Principal) Key() string {
	return SessionKey(p.TenantID, p.RoleID)
}

// Queue returns the principal's private queue name.
func (p Principal) Queue() string {
	return PrivateQueue(p.Role, p.RoleID)
}

func (p Principal) String() string {
	return fmt.Sprintf("%s/%s:%s", p.TenantID, p.Role, p.RoleID)
}

// SessionKey builds the push-session address for a tenant and role id.
func SessionKey(tenantID, roleID string) string {
	return tenantID + "-" + roleID
}

// ValidateID rejects ids that cannot be embedded in queue names, blob paths
// or partition keys.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id longer than %d characters", maxIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`/\#?@`, r) {
			return fmt.Errorf("id %q contains illegal character %q", id, r)
		}
	}
	return nil
}
