package protocol

import (
	"strings"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// ValidatePermissions implements the permission gate: split action on the
// first '/' into (group, verb).
//   - group == "admin" requires domain.PermAdmin.
//   - group == "auth" is always allowed.
//   - verb == "unsubscribe" is always allowed (subscriptions must always be
//     releasable, by design).
//   - otherwise allowed iff verb is in perms.
func ValidatePermissions(perms domain.PermissionSet, action string) bool {
	group, _, verb := strings.Cut(action, "/")

	switch {
	case group == "admin":
		return perms.Has(domain.PermAdmin)
	case group == authGroup:
		return true
	case verb == "unsubscribe":
		return true
	default:
		return perms.Has(domain.Permission(verb))
	}
}
