/*
membership.go - Membership Registry

PURPOSE:
  Group creation, invite-code resolution and member add/remove.

RULES:
  - The creator becomes owner and sole member.
  - Invite codes are 6 uppercase alphanumerics, unique across groups.
    Collisions are retried up to a bound, then ErrServiceUnavailable.
  - AddMember is idempotent.
  - The owner can never leave or be removed. Deleting the group is the
    only way out and it does not cascade to tasks or wishlist items.
  - Member-set mutations are serialized per group.
*/
package points

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	inviteAlphabet            = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	DefaultInviteCodeAttempts = 5
)

// GenerateInviteCode returns a random 6 character code.
func GenerateInviteCode() (string, error) {
	max := big.NewInt(int64(len(inviteAlphabet)))
	buf := make([]byte, InviteCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = inviteAlphabet[n.Int64()]
	}
	return string(buf), nil
}

type Registry struct {
	store    TxStore
	locks    *keyedMutex
	attempts int
	newCode  func() (string, error)
	now      func() time.Time
}

func NewRegistry(store TxStore, codeAttempts int) *Registry {
	if codeAttempts <= 0 {
		codeAttempts = DefaultInviteCodeAttempts
	}
	return &Registry{
		store:    store,
		locks:    newKeyedMutex(),
		attempts: codeAttempts,
		newCode:  GenerateInviteCode,
		now:      time.Now,
	}
}

// CreateGroup creates a group owned by ownerID with a fresh invite code.
func (r *Registry) CreateGroup(ctx context.Context, name, description string, ownerID UserID) (Group, error) {
	if err := requireText("name", name, MaxGroupName); err != nil {
		return Group{}, err
	}
	if err := optionalText("description", description, MaxGroupDescription); err != nil {
		return Group{}, err
	}
	if _, err := r.store.GetUser(ctx, ownerID); err != nil {
		return Group{}, err
	}

	now := r.now().UTC()
	g := Group{
		ID:          GroupID(uuid.NewString()),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		MemberIDs:   []UserID{ownerID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return Group{}, fmt.Errorf("generate invite code: %w", err)
		}
		g.InviteCode = code

		err = r.store.CreateGroup(ctx, g)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrDuplicateInviteCode) {
			return Group{}, fmt.Errorf("create group: %w", err)
		}
	}
	return Group{}, fmt.Errorf("no unique invite code after %d attempts: %w", r.attempts, ErrServiceUnavailable)
}

func (r *Registry) Get(ctx context.Context, groupID GroupID) (Group, error) {
	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	return *g, nil
}

// ResolveInviteCode maps a code to its group.
func (r *Registry) ResolveInviteCode(ctx context.Context, code string) (Group, error) {
	code, err := NormalizeInviteCode(code)
	if err != nil {
		return Group{}, err
	}
	g, err := r.store.GetGroupByInviteCode(ctx, code)
	if err != nil {
		return Group{}, err
	}
	return *g, nil
}

func (r *Registry) GroupsOf(ctx context.Context, userID UserID) ([]Group, error) {
	return r.store.GroupsByMember(ctx, userID)
}

// AddMember adds userID to the group. Adding an existing member is a
// no-op; added reports whether the member set changed.
func (r *Registry) AddMember(ctx context.Context, groupID GroupID, userID UserID) (g Group, added bool, err error) {
	unlock := r.locks.Lock(string(groupID))
	defer unlock()

	err = r.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		g = *cur
		if g.HasMember(userID) {
			return nil
		}
		g.MemberIDs = append(g.MemberIDs, userID)
		g.UpdatedAt = r.now().UTC()
		added = true
		return s.UpdateGroup(ctx, g)
	})
	if err != nil {
		return Group{}, false, err
	}
	return g, added, nil
}

// RemoveMember removes userID on behalf of actor. The owner may remove any
// other member and a member may remove themselves. Removing a non-member
// succeeds without change.
func (r *Registry) RemoveMember(ctx context.Context, groupID GroupID, actor, userID UserID) (g Group, removed bool, err error) {
	unlock := r.locks.Lock(string(groupID))
	defer unlock()

	err = r.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		g = *cur
		if actor != userID && actor != g.OwnerID {
			return &UnauthorizedError{Actor: actor, Op: "remove member", Rule: "only the owner can remove other members"}
		}
		if userID == g.OwnerID {
			return ErrOwnerMustDeleteGroup
		}
		if !g.HasMember(userID) {
			return nil
		}
		g.MemberIDs = slices.DeleteFunc(g.MemberIDs, func(id UserID) bool { return id == userID })
		g.UpdatedAt = r.now().UTC()
		removed = true
		return s.UpdateGroup(ctx, g)
	})
	if err != nil {
		return Group{}, false, err
	}
	return g, removed, nil
}

// UpdateGroup edits display fields. Owner only.
func (r *Registry) UpdateGroup(ctx context.Context, groupID GroupID, actor UserID, name, description string) (Group, error) {
	if err := requireText("name", name, MaxGroupName); err != nil {
		return Group{}, err
	}
	if err := optionalText("description", description, MaxGroupDescription); err != nil {
		return Group{}, err
	}

	unlock := r.locks.Lock(string(groupID))
	defer unlock()

	var g Group
	err := r.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if cur.OwnerID != actor {
			return &UnauthorizedError{Actor: actor, Op: "update group", Rule: "owner only"}
		}
		g = *cur
		g.Name = name
		g.Description = description
		g.UpdatedAt = r.now().UTC()
		return s.UpdateGroup(ctx, g)
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// DeleteGroup removes the group record. Owner only. Tasks and wishlist
// items that reference the group are left in place.
func (r *Registry) DeleteGroup(ctx context.Context, groupID GroupID, actor UserID) error {
	unlock := r.locks.Lock(string(groupID))
	defer unlock()

	return r.store.WithTx(ctx, func(s Store) error {
		g, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.OwnerID != actor {
			return &UnauthorizedError{Actor: actor, Op: "delete group", Rule: "owner only"}
		}
		return s.DeleteGroup(ctx, groupID)
	})
}

// requireMember returns the group if userID belongs to it.
func requireMember(ctx context.Context, s GroupStore, groupID GroupID, userID UserID, op string) (*Group, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(userID) {
		return nil, &UnauthorizedError{Actor: userID, Op: op, Rule: "group members only"}
	}
	return g, nil
}

// groupName resolves the display name of a possibly deleted group.
func groupName(ctx context.Context, s GroupStore, groupID GroupID) (string, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		if IsNotFound(err) {
			return "Unknown Group", nil
		}
		return "", err
	}
	return g.Name, nil
}
