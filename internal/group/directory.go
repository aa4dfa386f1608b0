package group

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pokisachi/DeChat/internal/bus"
	"github.com/pokisachi/DeChat/internal/graph"
	"github.com/pokisachi/DeChat/internal/room"
)

const (
	groupsRoot     = "groups"
	userGroupsRoot = "user_groups"
)

// Directory materializes "groups this identity belongs to" from the two
// linked graph collections groups/<id> and user_groups/<identity>/<id>.
// The two are written by separate best-effort puts, so the directory only
// surfaces a group once its record confirms the watched identity's
// membership; a stub pointing at a record that disagrees is drift, not truth.
type Directory struct {
	store  graph.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	identity string
	groups   map[string]*Group
	recOffs  map[string]func()
	stubOff  func()
}

// NewDirectory creates a directory over the given graph store.
func NewDirectory(store graph.Store, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:   store,
		bus:     b,
		logger:  logger,
		groups:  make(map[string]*Group),
		recOffs: make(map[string]func()),
	}
}

// Watch starts materializing the given identity's groups. Watching a new
// identity releases the previous identity's subscriptions first.
func (d *Directory) Watch(identity string) {
	d.Unwatch()

	d.mu.Lock()
	d.identity = identity
	d.mu.Unlock()

	node := d.store.Get(userGroupsRoot).Get(identity)
	off := node.MapOn(func(stub map[string]any, groupID string) {
		d.onStub(stub, groupID)
	})

	d.mu.Lock()
	d.stubOff = off
	d.mu.Unlock()
}

// Unwatch releases every subscription and clears the materialized state.
func (d *Directory) Unwatch() {
	d.mu.Lock()
	stubOff := d.stubOff
	d.stubOff = nil
	offs := d.recOffs
	d.recOffs = make(map[string]func())
	d.groups = make(map[string]*Group)
	d.identity = ""
	d.mu.Unlock()

	if stubOff != nil {
		stubOff()
	}
	for _, off := range offs {
		off()
	}
}

// onStub handles one user_groups child: follow it to the group record.
// Stubs are redelivered arbitrarily often; the record subscription is
// registered once per group id.
func (d *Directory) onStub(stub map[string]any, groupID string) {
	if stub == nil {
		d.drop(groupID)
		return
	}
	d.mu.Lock()
	if _, subscribed := d.recOffs[groupID]; subscribed {
		d.mu.Unlock()
		return
	}
	// Reserve the slot before subscribing: On delivers synchronously.
	d.recOffs[groupID] = func() {}
	d.mu.Unlock()

	off := d.store.Get(groupsRoot).Get(groupID).On(func(rec map[string]any, _ string) {
		d.onRecord(groupID, rec)
	})

	d.mu.Lock()
	if _, still := d.recOffs[groupID]; still {
		d.recOffs[groupID] = off
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	off()
}

func (d *Directory) onRecord(groupID string, rec map[string]any) {
	if rec == nil {
		d.drop(groupID)
		return
	}
	g, err := fromRecord(rec)
	if err != nil {
		d.logger.Warn("malformed group record dropped",
			zap.String("group_id", groupID), zap.Error(err))
		return
	}

	d.mu.Lock()
	identity := d.identity
	if identity != "" {
		if _, member := g.Member(identity); !member {
			// Stub/record drift: the reverse index says we belong, the
			// record says we don't. The record wins.
			_, wasKnown := d.groups[g.ID]
			delete(d.groups, g.ID)
			d.mu.Unlock()
			if wasKnown && d.bus != nil {
				d.bus.Publish(bus.TopicGroupRemoved, g.ID)
			}
			return
		}
	}
	d.groups[g.ID] = g
	snapshot := g.clone()
	d.mu.Unlock()

	if d.bus != nil {
		d.bus.Publish(bus.TopicGroupUpdated, snapshot)
	}
}

func (d *Directory) drop(groupID string) {
	d.mu.Lock()
	_, known := d.groups[groupID]
	delete(d.groups, groupID)
	off := d.recOffs[groupID]
	delete(d.recOffs, groupID)
	d.mu.Unlock()

	if off != nil {
		off()
	}
	if known && d.bus != nil {
		d.bus.Publish(bus.TopicGroupRemoved, groupID)
	}
}

// Group returns a snapshot of a materialized group.
func (d *Directory) Group(id string) (*Group, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[id]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// Groups returns snapshots of every materialized group, ordered by id.
func (d *Directory) Groups() []*Group {
	d.mu.Lock()
	out := make([]*Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g.clone())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateGroup writes a new group as a best-effort multi-write sequence:
// the record, one membership stub per member, then a synthetic system
// message. The store offers no atomicity across these writes; Reconcile
// repairs stub drift after partial failures.
func (d *Directory) CreateGroup(ctx context.Context, name, description, creator string, members []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("group name required")
	}
	id := room.NewGroupID()
	now := time.Now().UnixMilli()

	g := &Group{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   creator,
		CreatedAt:   now,
		Members:     []Member{{Address: creator, Role: RoleAdmin, JoinedAt: now}},
		Settings: Settings{
			OnlyAdminsCanPost:       false,
			OnlyAdminsCanAddMembers: true,
			OnlyAdminsCanEditInfo:   true,
		},
	}
	for _, addr := range members {
		if addr == creator {
			continue
		}
		if _, dup := g.Member(addr); dup {
			continue
		}
		g.Members = append(g.Members, Member{Address: addr, Role: RoleMember, JoinedAt: now})
	}

	if err := d.putRecord(ctx, g); err != nil {
		return "", fmt.Errorf("write group record: %w", err)
	}
	for _, m := range g.Members {
		if err := d.putStub(ctx, m, id); err != nil {
			return "", fmt.Errorf("write membership stub for %s: %w", m.Address, err)
		}
	}

	announcement := map[string]any{
		"sender":    "system",
		"text":      fmt.Sprintf("Group %q created by %s", name, creator),
		"timestamp": now,
		"type":      "system",
	}
	if _, err := d.store.Get(id).Get("messages").Set(ctx, announcement); err != nil {
		return "", fmt.Errorf("write system message: %w", err)
	}

	d.logger.Info("group created", zap.String("group_id", id), zap.String("creator", creator))
	return id, nil
}

// AddMember adds an address to a group, gated by CanAddMember.
func (d *Directory) AddMember(ctx context.Context, groupID, actor, address string) error {
	g, ok := d.Group(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if !CanAddMember(g, actor) {
		return &PermissionError{Op: "add member", Identity: actor, GroupID: groupID}
	}
	if _, already := g.Member(address); already {
		return nil
	}
	m := Member{Address: address, Role: RoleMember, JoinedAt: time.Now().UnixMilli()}
	g.Members = append(g.Members, m)

	if err := d.putRecord(ctx, g); err != nil {
		return fmt.Errorf("write group record: %w", err)
	}
	if err := d.putStub(ctx, m, groupID); err != nil {
		return fmt.Errorf("write membership stub: %w", err)
	}
	return nil
}

// RemoveMember removes an address from a group, gated by CanRemoveMember.
// Removing the last admin is refused.
func (d *Directory) RemoveMember(ctx context.Context, groupID, actor, address string) error {
	g, ok := d.Group(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if !CanRemoveMember(g, actor) {
		return &PermissionError{Op: "remove member", Identity: actor, GroupID: groupID}
	}
	return d.removeFrom(ctx, g, address)
}

// Leave removes the identity itself from the group. The last admin cannot
// leave; it must promote someone or the group dies with it.
func (d *Directory) Leave(ctx context.Context, groupID, identity string) error {
	g, ok := d.Group(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if _, member := g.Member(identity); !member {
		return nil
	}
	return d.removeFrom(ctx, g, identity)
}

func (d *Directory) removeFrom(ctx context.Context, g *Group, address string) error {
	target, member := g.Member(address)
	if !member {
		return nil
	}
	if target.Role == RoleAdmin && g.adminCount() == 1 {
		return ErrLastAdmin
	}

	kept := g.Members[:0]
	for _, m := range g.Members {
		if m.Address != address {
			kept = append(kept, m)
		}
	}
	g.Members = kept

	if err := d.putRecord(ctx, g); err != nil {
		return fmt.Errorf("write group record: %w", err)
	}
	if err := d.store.Get(userGroupsRoot).Get(address).Get(g.ID).Put(ctx, nil); err != nil {
		return fmt.Errorf("tombstone membership stub: %w", err)
	}
	return nil
}

// UpdateSettings replaces the group settings, gated by CanEditInfo.
func (d *Directory) UpdateSettings(ctx context.Context, groupID, actor string, s Settings) error {
	g, ok := d.Group(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if !CanEditInfo(g, actor) {
		return &PermissionError{Op: "edit settings", Identity: actor, GroupID: groupID}
	}
	g.Settings = s
	if err := d.putRecord(ctx, g); err != nil {
		return fmt.Errorf("write group record: %w", err)
	}
	return nil
}

// UpdateInfo replaces the group name and description, gated by CanEditInfo.
func (d *Directory) UpdateInfo(ctx context.Context, groupID, actor, name, description string) error {
	g, ok := d.Group(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if !CanEditInfo(g, actor) {
		return &PermissionError{Op: "edit info", Identity: actor, GroupID: groupID}
	}
	if name != "" {
		g.Name = name
	}
	g.Description = description
	if err := d.putRecord(ctx, g); err != nil {
		return fmt.Errorf("write group record: %w", err)
	}
	return nil
}

// Reconcile rewrites the membership stub of every member of every
// materialized group. This is the repair pass for the non-atomic create
// sequence: a record that lists a member whose stub write was lost becomes
// visible to that member again once any other member reconciles.
func (d *Directory) Reconcile(ctx context.Context) error {
	for _, g := range d.Groups() {
		for _, m := range g.Members {
			if err := d.putStub(ctx, m, g.ID); err != nil {
				return fmt.Errorf("repair stub for %s in %s: %w", m.Address, g.ID, err)
			}
		}
	}
	return nil
}

func (d *Directory) putRecord(ctx context.Context, g *Group) error {
	return d.store.Get(groupsRoot).Get(g.ID).Put(ctx, g.toRecord())
}

func (d *Directory) putStub(ctx context.Context, m Member, groupID string) error {
	return d.store.Get(userGroupsRoot).Get(m.Address).Get(groupID).Put(ctx, map[string]any{
		"id":       groupID,
		"role":     string(m.Role),
		"joinedAt": m.JoinedAt,
	})
}
