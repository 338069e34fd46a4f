package domain

import "fmt"

// Actor is the authenticated caller of an operation
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the actor holds role
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Default publish roles per kind
var (
	DefaultItemPublishRoles = []string{"System Manager", "Item Manager", "Stock Manager", "Mechanical Engineer"}
	DefaultBOMPublishRoles  = []string{"System Manager", "Manufacturing Manager", "Mechanical Engineer"}
)

// Capabilities maps roles to the publish capability of each entity kind
type Capabilities struct {
	publish map[Kind]map[string]struct{}
}

// NewCapabilities builds capabilities from a role list per kind.
// Kinds missing from roles keep their defaults.
func NewCapabilities(roles map[Kind][]string) *Capabilities {
	c := &Capabilities{publish: map[Kind]map[string]struct{}{}}
	c.set(KindItem, DefaultItemPublishRoles)
	c.set(KindBOM, DefaultBOMPublishRoles)
	for kind, list := range roles {
		if len(list) > 0 {
			c.set(kind, list)
		}
	}
	return c
}

// DefaultCapabilities returns the stock role lists
func DefaultCapabilities() *Capabilities {
	return NewCapabilities(nil)
}

func (c *Capabilities) set(kind Kind, roles []string) {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	c.publish[kind] = set
}

// CanPublish reports whether the actor may mutate entities of kind
func (c *Capabilities) CanPublish(actor Actor, kind Kind) bool {
	allowed := c.publish[kind]
	for _, r := range actor.Roles {
		if _, ok := allowed[r]; ok {
			return true
		}
	}
	return false
}

// RequirePublish returns a PermissionError when the actor lacks the capability
func (c *Capabilities) RequirePublish(actor Actor, kind Kind) error {
	if c.CanPublish(actor, kind) {
		return nil
	}
	return NewPermissionError(fmt.Sprintf("you do not have permission to manage %s versions", kind.Label()))
}

// CanView reports whether the actor may see an entity in its current status.
// Viewers only see Published entities.
func (c *Capabilities) CanView(actor Actor, kind Kind, version int, status Status) bool {
	if c.CanPublish(actor, kind) {
		return true
	}
	return version > 0 && status == StatusPublished
}

// CanDownload reports whether documents of an entity may be downloaded.
// Blocked entities refuse downloads for everyone.
func (c *Capabilities) CanDownload(actor Actor, kind Kind, version int, status Status) (bool, string) {
	if version > 0 && status == StatusBlocked {
		return false, fmt.Sprintf("%s is blocked: documents cannot be downloaded", kind.Label())
	}
	if c.CanPublish(actor, kind) {
		return true, ""
	}
	if version == 0 || status != StatusPublished {
		return false, fmt.Sprintf("%s is not published: documents are not available", kind.Label())
	}
	return true, ""
}
