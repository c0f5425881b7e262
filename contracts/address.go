package contracts

import "strings"

// Queue names.
const (
	CloudQueue         = "cloud-queue"
	CloudOutboundQueue = "cloud-outbound"
	MonitorQueue       = "relay-monitor"
	CopyRetryQueue     = "databus-copy-retry"
	DeferredAddress    = "deferred"

	PrefixClients    = "clients"
	PrefixConnectors = "connectors"

	poisonSuffix = "-poison"
)

// AddressKind classifies a queue address.
type AddressKind int

const (
	KindUnknown AddressKind = iota
	KindCloud
	KindRoleShared
	KindPrivate
	KindInternal
)

// Address is a parsed queue name.
type Address struct {
	Name   string
	Kind   AddressKind
	Role   Role
	RoleID string
}

// PrivateQueue returns the private queue of a client or connector.
func PrivateQueue(role Role, roleID string) string {
	return role.Prefix() + "-" + roleID
}

// PoisonQueue returns the dead-letter queue of q.
func PoisonQueue(q string) string {
	return q + poisonSuffix
}

// IsPoisonQueue reports whether q is a dead-letter queue.
func IsPoisonQueue(q string) bool {
	return strings.HasSuffix(q, poisonSuffix)
}

// ParseAddress classifies a queue name. Anything after an '@' is ignored.
func ParseAddress(name string) Address {
	name = StripHost(name)
	a := Address{Name: name}
	switch name {
	case CloudQueue:
		a.Kind = KindCloud
		a.Role = RoleCloud
		return a
	case CloudOutboundQueue, MonitorQueue, CopyRetryQueue:
		a.Kind = KindInternal
		return a
	case PrefixClients:
		a.Kind, a.Role = KindRoleShared, RoleClient
		return a
	case PrefixConnectors:
		a.Kind, a.Role = KindRoleShared, RoleConnector
		return a
	}
	for _, role := range []Role{RoleClient, RoleConnector} {
		prefix := role.Prefix() + "-"
		if id, ok := strings.CutPrefix(name, prefix); ok && id != "" {
			a.Kind, a.Role, a.RoleID = KindPrivate, role, id
			return a
		}
	}
	return a
}

// StripHost drops a transport-style "@machine" suffix.
func StripHost(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}
