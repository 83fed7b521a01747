/*
redemption.go - Reward Redemption Controller

Two terminal transitions leave available:

  purchase: by the owner, against the owner's own balance.
            balance -= cost, status -> purchased and one spent entry
            (points = -cost, key wishlist:<id>:spent) commit together.
            A shortfall fails with InsufficientFunds and leaves the item
            untouched.

  gift:     by another member of the item's group. Costs nobody any
            points. status -> gifted and one zero-point adjustment entry
            for the owner (key wishlist:<id>:gifted) commit together, so
            every redeemed item has exactly one ledger entry.

update and delete are owner-only and only while available.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NewItem struct {
	GroupID     GroupID
	Title       string
	Description string
	ImageURL    string
	Cost        int64
}

// ItemUpdate carries the fields to change. Nil fields are left alone.
type ItemUpdate struct {
	Title       *string
	Description *string
	ImageURL    *string
	Cost        *int64
}

type RedemptionController struct {
	store     TxStore
	ledger    *Ledger
	balances  *BalanceAccessor
	incidents *incidentQueue
	now       func() time.Time
}

func NewRedemptionController(store TxStore, ledger *Ledger, balances *BalanceAccessor, incidents *incidentQueue) *RedemptionController {
	return &RedemptionController{
		store:     store,
		ledger:    ledger,
		balances:  balances,
		incidents: incidents,
		now:       time.Now,
	}
}

// authorizeItem checks the actor's role for op. Status is checked
// separately by ItemMachine.
func authorizeItem(op string, item *WishlistItem, actor UserID) error {
	switch op {
	case OpPurchase, OpEdit, OpDelete:
		if item.UserID != actor {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "item owner only"}
		}
	case OpGift:
		if item.UserID == actor {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "cannot gift your own item"}
		}
	default:
		return fmt.Errorf("unknown wishlist operation %q", op)
	}
	return nil
}

func validateItemFields(title, description string, cost int64) error {
	if err := requireText("title", title, MaxItemTitle); err != nil {
		return err
	}
	if err := optionalText("description", description, MaxItemDescription); err != nil {
		return err
	}
	return requireRange("cost", cost, 0, MaxItemCost)
}

// Create adds an available item owned by owner.
func (c *RedemptionController) Create(ctx context.Context, owner UserID, in NewItem) (WishlistItem, error) {
	if err := validateItemFields(in.Title, in.Description, in.Cost); err != nil {
		return WishlistItem{}, err
	}
	if _, err := requireMember(ctx, c.store, in.GroupID, owner, "create wishlist item"); err != nil {
		return WishlistItem{}, err
	}

	now := c.now().UTC()
	item := WishlistItem{
		ID:          ItemID(uuid.NewString()),
		UserID:      owner,
		GroupID:     in.GroupID,
		Title:       in.Title,
		Description: in.Description,
		ImageURL:    in.ImageURL,
		Cost:        in.Cost,
		Status:      ItemAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateItem(ctx, item); err != nil {
		return WishlistItem{}, fmt.Errorf("create wishlist item: %w", err)
	}
	return item, nil
}

func (c *RedemptionController) Get(ctx context.Context, id ItemID) (WishlistItem, error) {
	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return WishlistItem{}, err
	}
	return *item, nil
}

func (c *RedemptionController) ByGroup(ctx context.Context, groupID GroupID) ([]WishlistItem, error) {
	return c.store.ItemsByGroup(ctx, groupID)
}

// precheck runs the authorization and state checks outside any lock.
func (c *RedemptionController) precheck(ctx context.Context, id ItemID, actor UserID, op string) (*WishlistItem, error) {
	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeItem(op, item, actor); err != nil {
		return nil, err
	}
	if _, err := ItemMachine.Next(op, string(item.ID), item.Status); err != nil {
		return nil, err
	}
	return item, nil
}

// redeem reloads the item in a transaction, repeats the checks, moves the
// state machine and lets apply write the paired balance/ledger effects.
func (c *RedemptionController) redeem(ctx context.Context, id ItemID, actor UserID, op string,
	apply func(s Store, item *WishlistItem, now time.Time) error) (WishlistItem, error) {

	var out WishlistItem
	err := c.store.WithTx(ctx, func(s Store) error {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeItem(op, item, actor); err != nil {
			return err
		}
		next, err := ItemMachine.Next(op, string(item.ID), item.Status)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		item.Status = next
		item.UpdatedAt = now
		if err := apply(s, item, now); err != nil {
			return err
		}
		if err := s.UpdateItem(ctx, *item); err != nil {
			return err
		}
		out = *item
		return nil
	})
	if err != nil {
		return WishlistItem{}, err
	}
	return out, nil
}

// Purchase redeems the item against its owner's balance.
func (c *RedemptionController) Purchase(ctx context.Context, id ItemID, buyer UserID) (WishlistItem, Result, error) {
	if _, err := c.precheck(ctx, id, buyer, OpPurchase); err != nil {
		return WishlistItem{}, Result{}, err
	}

	release := c.balances.Hold(buyer)
	defer release()

	var res Result
	item, err := c.redeem(ctx, id, buyer, OpPurchase, func(s Store, item *WishlistItem, now time.Time) error {
		item.PurchasedAt = &now

		// Group before balance: rows are locked item, group, user.
		name, err := groupName(ctx, s, item.GroupID)
		if err != nil {
			return err
		}
		balance, err := c.balances.in(s).Adjust(ctx, buyer, -item.Cost)
		if err != nil {
			return err
		}
		txID, err := c.ledger.in(s).Append(ctx, Transaction{
			UserID:         buyer,
			GroupID:        item.GroupID,
			Points:         -item.Cost,
			Type:           TxSpent,
			TaskTitle:      "Wishlist: " + item.Title,
			GroupName:      name,
			Metadata:       map[string]string{MetaWishlistItemID: string(item.ID)},
			IdempotencyKey: itemSpentKey(item.ID),
			Timestamp:      now,
		})
		if err != nil {
			return err
		}
		res = Result{UserID: buyer, Balance: balance, TransactionID: txID}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return WishlistItem{}, Result{}, c.incidents.raise(ctx, buyer, string(id),
			"spent entry already recorded for an item that is not purchased")
	}
	if err != nil {
		return WishlistItem{}, Result{}, err
	}
	return item, res, nil
}

// Gift marks the item as a gift from gifter. No balance moves.
func (c *RedemptionController) Gift(ctx context.Context, id ItemID, gifter UserID) (WishlistItem, Result, error) {
	pre, err := c.precheck(ctx, id, gifter, OpGift)
	if err != nil {
		return WishlistItem{}, Result{}, err
	}

	var res Result
	item, err := c.redeem(ctx, id, gifter, OpGift, func(s Store, item *WishlistItem, now time.Time) error {
		g, err := s.GetGroup(ctx, item.GroupID)
		if err != nil {
			if IsNotFound(err) {
				return &UnauthorizedError{Actor: gifter, Op: OpGift, Rule: "the item's group no longer exists"}
			}
			return err
		}
		if !g.HasMember(gifter) {
			return &UnauthorizedError{Actor: gifter, Op: OpGift, Rule: "group members only"}
		}
		item.GiftedBy = gifter
		item.GiftedAt = &now

		owner, err := s.GetUser(ctx, item.UserID)
		if err != nil {
			return err
		}
		txID, err := c.ledger.in(s).Append(ctx, Transaction{
			UserID:    item.UserID,
			GroupID:   item.GroupID,
			Points:    0,
			Type:      TxAdjustment,
			TaskTitle: "Gift: " + item.Title,
			GroupName: g.Name,
			Metadata: map[string]string{
				MetaWishlistItemID: string(item.ID),
				MetaGiftedBy:       string(gifter),
			},
			IdempotencyKey: itemGiftedKey(item.ID),
			Timestamp:      now,
		})
		if err != nil {
			return err
		}
		res = Result{UserID: item.UserID, Balance: owner.TotalPoints, TransactionID: txID}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return WishlistItem{}, Result{}, c.incidents.raise(ctx, pre.UserID, string(id),
			"gift entry already recorded for an item that is not gifted")
	}
	if err != nil {
		return WishlistItem{}, Result{}, err
	}
	return item, res, nil
}

// Update edits an available item. Owner only.
func (c *RedemptionController) Update(ctx context.Context, id ItemID, actor UserID, upd ItemUpdate) (WishlistItem, error) {
	return c.redeem(ctx, id, actor, OpEdit, func(_ Store, item *WishlistItem, _ time.Time) error {
		if upd.Title != nil {
			item.Title = *upd.Title
		}
		if upd.Description != nil {
			item.Description = *upd.Description
		}
		if upd.ImageURL != nil {
			item.ImageURL = *upd.ImageURL
		}
		if upd.Cost != nil {
			item.Cost = *upd.Cost
		}
		return validateItemFields(item.Title, item.Description, item.Cost)
	})
}

// Delete removes an available item. Owner only.
func (c *RedemptionController) Delete(ctx context.Context, id ItemID, actor UserID) error {
	return c.store.WithTx(ctx, func(s Store) error {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeItem(OpDelete, item, actor); err != nil {
			return err
		}
		if _, err := ItemMachine.Next(OpDelete, string(item.ID), item.Status); err != nil {
			return err
		}
		return s.DeleteItem(ctx, id)
	})
}
