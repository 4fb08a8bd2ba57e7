package models

// Capsule is the top-level owned aggregate memories attach to. It is
// created on first registration for a principal and never physically
// deleted while referenced by active upload sessions.
type Capsule struct {
	ID string `json:"id"`
	// Owner is the opaque principal id of the capsule owner.
	Owner string `json:"owner"`
	// Controllers are additional principals with write access.
	Controllers []string `json:"controllers,omitempty"`
	// Subject is an optional category/subject tag used by the subject index.
	Subject string `json:"subject,omitempty"`
	// MemoryIDs lists the memories currently attached, in attach order.
	MemoryIDs []string `json:"memory_ids,omitempty"`
	// Created/Updated timestamps (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// HasWriteAccess reports whether principal is the owner or a controller.
func (c *Capsule) HasWriteAccess(principal string) bool {
	if principal == "" {
		return false
	}
	if c.Owner == principal {
		return true
	}
	for _, p := range c.Controllers {
		if p == principal {
			return true
		}
	}
	return false
}

// HasMemory reports whether the memory id is attached to the capsule.
func (c *Capsule) HasMemory(id string) bool {
	for _, m := range c.MemoryIDs {
		if m == id {
			return true
		}
	}
	return false
}
