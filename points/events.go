/*
events.go - Notification events produced by the engine

The engine produces notification-worthy events as data. Delivery,
storage and display belong to a Sink (see notify/). Events are
published only after the unit of work that caused them has committed,
and a failing sink never fails the operation.
*/
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskAssigned   EventType = "task_assigned"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskApproved   EventType = "task_approved"
	EventPointsEarned   EventType = "points_earned"
	EventWishlistGifted EventType = "wishlist_gifted"
	EventGroupInvite    EventType = "group_invite"
	EventMemberJoined   EventType = "member_joined"
)

// Event is addressed to a single recipient.
type Event struct {
	ID        string
	Type      EventType
	UserID    UserID // recipient
	GroupID   GroupID
	Title     string
	Message   string
	Data      map[string]string
	CreatedAt time.Time
}

// Sink delivers events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

func newEvent(typ EventType, to UserID, groupID GroupID, title, message string, data map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		UserID:    to,
		GroupID:   groupID,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

func taskAssignedEvent(t Task) Event {
	return newEvent(EventTaskAssigned, t.AssignedTo, t.GroupID, "New Task Assigned",
		fmt.Sprintf("You have been assigned %q", t.Title),
		map[string]string{"taskId": string(t.ID)})
}

func taskCompletedEvent(t Task) Event {
	return newEvent(EventTaskCompleted, t.AssignedBy, t.GroupID, "Task Completed",
		fmt.Sprintf("%q was marked complete and is waiting for your approval", t.Title),
		map[string]string{"taskId": string(t.ID), "completedBy": string(t.AssignedTo)})
}

func taskApprovedEvents(t Task) []Event {
	data := map[string]string{"taskId": string(t.ID), "points": fmt.Sprint(t.Points)}
	return []Event{
		newEvent(EventTaskApproved, t.AssignedTo, t.GroupID, "Task Approved",
			fmt.Sprintf("Your task %q was approved! You earned %d points.", t.Title, t.Points), data),
		newEvent(EventPointsEarned, t.AssignedTo, t.GroupID, "Points Earned",
			fmt.Sprintf("You earned %d points for completing %q!", t.Points, t.Title), data),
	}
}

func wishlistGiftedEvent(item WishlistItem) Event {
	return newEvent(EventWishlistGifted, item.UserID, item.GroupID, "Wishlist Item Gifted",
		fmt.Sprintf("Someone gifted you %q!", item.Title),
		map[string]string{"wishlistItemId": string(item.ID), "giftedBy": string(item.GiftedBy)})
}

func groupInviteEvent(g Group, invitee, inviter UserID) Event {
	return newEvent(EventGroupInvite, invitee, g.ID, "Group Invitation",
		fmt.Sprintf("You've been invited to join %q", g.Name),
		map[string]string{"inviteCode": g.InviteCode, "invitedBy": string(inviter)})
}

func memberJoinedEvent(g Group, member UserID) Event {
	return newEvent(EventMemberJoined, g.OwnerID, g.ID, "New Member",
		fmt.Sprintf("A new member joined %q", g.Name),
		map[string]string{"memberId": string(member)})
}
