package types

import "time"

// Capability grants a member a class of privileged operations within a
// context. Grants and revokes are committed by the configuration oracle;
// the core mirrors them but never authorizes them itself.
type Capability string

const (
	CapabilityManageApplication Capability = "manage-application"
	CapabilityManageMembers     Capability = "manage-members"
	CapabilityProxy             Capability = "proxy"
)

// Member is a context member: a public key plus its granted capabilities.
type Member struct {
	Key          PublicKey
	Capabilities []Capability
}

// Has reports whether the member holds the given capability.
func (m *Member) Has(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Context is a collaborative workspace: a member set, an application binding
// and a single logical state tree identified by its Merkle root hash.
type Context struct {
	ID                  ContextID
	ApplicationID       Hash
	ApplicationRevision uint64
	ConfigRevision      uint64
	RootHash            Hash
	Members             []Member
	CreatedAt           time.Time
}

// IsMember reports whether the key belongs to the context's member set at the
// mirrored configuration revision.
func (c *Context) IsMember(key PublicKey) bool {
	for i := range c.Members {
		if c.Members[i].Key == key {
			return true
		}
	}
	return false
}

// Member returns the member record for a key, or nil.
func (c *Context) Member(key PublicKey) *Member {
	for i := range c.Members {
		if c.Members[i].Key == key {
			return &c.Members[i]
		}
	}
	return nil
}
