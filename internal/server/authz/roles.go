// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authz decides which callers may reach which service methods.
package authz

import (
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/kvs"
)

// Role is the least privilege a caller needs for a method.
type Role int

const (
	// RoleGuest methods are open to every local user. Per-job ownership is
	// still checked by the method itself.
	RoleGuest Role = iota
	// RoleOwner methods are reserved to the instance owner.
	RoleOwner
)

func (r Role) String() string {
	if r == RoleOwner {
		return "owner"
	}
	return "guest"
}

var ownerTopics = map[string]struct{}{
	config.TopicLoad: {},
	kvs.TopicCommit:  {},
}

// Required returns the role needed to call topic. Cancel requests share the
// role of the method they cancel.
func Required(topic string) Role {
	topic = strings.TrimSuffix(topic, "-cancel")
	if _, ok := ownerTopics[topic]; ok {
		return RoleOwner
	}
	return RoleGuest
}

// Allowed reports whether a caller may call topic.
func Allowed(topic string, owner bool) bool {
	return owner || Required(topic) == RoleGuest
}
