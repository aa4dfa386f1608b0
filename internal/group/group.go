// Package group materializes group metadata from the replicated graph and
// gates mutations behind role checks.
package group

import (
	"errors"
	"fmt"
)

// Role of a group member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is one entry of a group's membership list.
type Member struct {
	Address  string
	Role     Role
	JoinedAt int64
}

// Settings are the admin-toggleable group policies.
type Settings struct {
	OnlyAdminsCanPost       bool
	OnlyAdminsCanAddMembers bool
	OnlyAdminsCanEditInfo   bool
}

// Group is the materialized group record. The creator is always the first
// member and always an admin; at least one admin must exist at all times.
// That invariant is enforced by this package, not by the store.
type Group struct {
	ID          string
	Name        string
	Description string
	Members     []Member
	CreatedBy   string
	CreatedAt   int64
	Settings    Settings
}

// Member returns the membership entry for an address, if any.
func (g *Group) Member(address string) (Member, bool) {
	for _, m := range g.Members {
		if m.Address == address {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Group) adminCount() int {
	n := 0
	for _, m := range g.Members {
		if m.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// ErrUnknownGroup is returned for operations on a group the directory has
// not materialized.
var ErrUnknownGroup = errors.New("unknown group")

// ErrLastAdmin is returned when an operation would leave a group without
// any admin.
var ErrLastAdmin = errors.New("cannot remove the last admin")

// toRecord flattens the group into a graph record.
func (g *Group) toRecord() map[string]any {
	members := make([]any, 0, len(g.Members))
	for _, m := range g.Members {
		members = append(members, map[string]any{
			"address":  m.Address,
			"role":     string(m.Role),
			"joinedAt": m.JoinedAt,
		})
	}
	return map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"members":     members,
		"createdBy":   g.CreatedBy,
		"createdAt":   g.CreatedAt,
		"settings": map[string]any{
			"onlyAdminsCanPost":       g.Settings.OnlyAdminsCanPost,
			"onlyAdminsCanAddMembers": g.Settings.OnlyAdminsCanAddMembers,
			"onlyAdminsCanEditInfo":   g.Settings.OnlyAdminsCanEditInfo,
		},
	}
}

// fromRecord validates and decodes a graph record. The graph delivers
// duck-typed payloads; shape is checked here, at the ingestion boundary,
// instead of trusting the writer.
func fromRecord(rec map[string]any) (*Group, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	id, _ := rec["id"].(string)
	if id == "" {
		return nil, errors.New("record missing id")
	}
	name, _ := rec["name"].(string)
	if name == "" {
		return nil, errors.New("record missing name")
	}
	rawMembers, ok := rec["members"].([]any)
	if !ok || len(rawMembers) == 0 {
		return nil, errors.New("record missing members")
	}

	g := &Group{
		ID:          id,
		Name:        name,
		Description: stringField(rec, "description"),
		CreatedBy:   stringField(rec, "createdBy"),
		CreatedAt:   intField(rec, "createdAt"),
	}
	for i, raw := range rawMembers {
		mrec, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("member %d malformed", i)
		}
		addr := stringField(mrec, "address")
		if addr == "" {
			return nil, fmt.Errorf("member %d missing address", i)
		}
		role := Role(stringField(mrec, "role"))
		if role != RoleAdmin && role != RoleMember {
			return nil, fmt.Errorf("member %d has invalid role %q", i, role)
		}
		g.Members = append(g.Members, Member{
			Address:  addr,
			Role:     role,
			JoinedAt: intField(mrec, "joinedAt"),
		})
	}
	if srec, ok := rec["settings"].(map[string]any); ok {
		g.Settings = Settings{
			OnlyAdminsCanPost:       boolField(srec, "onlyAdminsCanPost"),
			OnlyAdminsCanAddMembers: boolField(srec, "onlyAdminsCanAddMembers"),
			OnlyAdminsCanEditInfo:   boolField(srec, "onlyAdminsCanEditInfo"),
		}
	}
	if g.adminCount() == 0 {
		return nil, errors.New("record has no admin")
	}
	return g, nil
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

func boolField(rec map[string]any, key string) bool {
	b, _ := rec[key].(bool)
	return b
}

// intField coerces a numeric field. JSON decoding delivers float64.
func intField(rec map[string]any, key string) int64 {
	switch v := rec[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (g *Group) clone() *Group {
	out := *g
	out.Members = append([]Member(nil), g.Members...)
	return &out
}
