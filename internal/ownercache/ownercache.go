// Package ownercache resolves uid/gid to user/group names once per backup,
// per spec.md §9 Design Notes ("Global ownership lookups ... Cache
// resolution per backup to avoid repeated system lookups; fall back to
// numeric on miss; never fail the walk because of a name resolution
// failure").
package ownercache

import (
	"os/user"
	"strconv"
	"sync"
)

// Cache memoizes uid->uname and gid->gname lookups for the lifetime of one
// backup walk.
type Cache struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		users:  make(map[uint32]string),
		groups: make(map[uint32]string),
	}
}

// Uname resolves uid to a user name, falling back to its decimal string
// form if the lookup fails.
func (c *Cache) Uname(uid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

// Gname resolves gid to a group name, falling back to its decimal string
// form if the lookup fails.
func (c *Cache) Gname(gid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
