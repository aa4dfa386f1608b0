package group

import "fmt"

// PermissionError is a refusal, not a failure: it is returned to the caller
// to surface however it likes and is never panicked or logged away.
type PermissionError struct {
	Op       string
	Identity string
	GroupID  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s denied for %s in group %s", e.Op, e.Identity, e.GroupID)
}

// IsAdmin reports whether identity appears in the member list with the
// admin role.
func IsAdmin(g *Group, identity string) bool {
	m, ok := g.Member(identity)
	return ok && m.Role == RoleAdmin
}

// CanPin reports whether identity may pin messages. Admin-only.
func CanPin(g *Group, identity string) bool {
	return IsAdmin(g, identity)
}

// CanPost reports whether identity may post to the group.
func CanPost(g *Group, identity string) bool {
	if _, ok := g.Member(identity); !ok {
		return false
	}
	return !g.Settings.OnlyAdminsCanPost || IsAdmin(g, identity)
}

// CanAddMember reports whether identity may add members.
func CanAddMember(g *Group, identity string) bool {
	if _, ok := g.Member(identity); !ok {
		return false
	}
	return !g.Settings.OnlyAdminsCanAddMembers || IsAdmin(g, identity)
}

// CanEditInfo reports whether identity may edit the group name,
// description, or settings.
func CanEditInfo(g *Group, identity string) bool {
	if _, ok := g.Member(identity); !ok {
		return false
	}
	return !g.Settings.OnlyAdminsCanEditInfo || IsAdmin(g, identity)
}

// CanRemoveMember reports whether identity may remove other members.
// Admin-only.
func CanRemoveMember(g *Group, identity string) bool {
	return IsAdmin(g, identity)
}
