package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/tabshare/tabshare-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateGroupWithSource persists the source order and its group order in a
// single transaction. A partial failure leaves neither behind.
func (d *Database) CreateGroupWithSource(source *types.SourceOrder, group *types.GroupOrder) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(source).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(group).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetGroup(groupID string) (*types.GroupOrder, error) {
	var group types.GroupOrder
	if err := d.db.Where("group_id = ?", groupID).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &group, nil
}

func (d *Database) GetEntries(groupID string) ([]types.MemberLedgerEntry, error) {
	var entries []types.MemberLedgerEntry
	if err := d.db.Where("group_id = ?", groupID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) GetEntryByReference(paymentReference string) (*types.MemberLedgerEntry, error) {
	var entry types.MemberLedgerEntry
	if err := d.db.Where("payment_reference = ?", paymentReference).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) CreateEntry(entry *types.MemberLedgerEntry) error {
	return d.db.Create(entry).Error
}

// PaidSum derives the confirmed total for a group from its PAID entries.
func (d *Database) PaidSum(groupID string) (float64, error) {
	return paidSum(d.db, groupID)
}

func paidSum(tx *gorm.DB, groupID string) (float64, error) {
	var sum float64
	query := `
		SELECT COALESCE(SUM(declared_share_amount), 0)
		FROM member_ledger_entries
		WHERE group_id = ? AND status = ?`

	if err := tx.Raw(query, groupID, types.EntryStatusPaid).Scan(&sum).Error; err != nil {
		return 0, fmt.Errorf("failed to derive paid sum: %w", err)
	}
	return sum, nil
}

// GetStalePendingGroups returns all groups still PENDING past their deadline.
func (d *Database) GetStalePendingGroups(now time.Time) ([]types.GroupOrder, error) {
	var groups []types.GroupOrder
	if err := d.db.Where("status = ? AND deadline < ?", types.GroupStatusPending, now).
		Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

// ApplyPaid marks the entry PAID and, when the confirmed total clears the
// target, flips the group to COMPLETED. Must be called while holding the
// group lock. Returns the post-apply state and whether this call performed
// the PENDING -> COMPLETED transition.
func (d *Database) ApplyPaid(paymentReference string, now time.Time) (*types.ConfirmResult, bool, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var entry types.MemberLedgerEntry
	if err := tx.Where("payment_reference = ?", paymentReference).First(&entry).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, types.ErrUnknownReference
		}
		return nil, false, err
	}

	var group types.GroupOrder
	if err := tx.Where("group_id = ?", entry.GroupID).First(&group).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}

	// Idempotent replay or an entry already in another terminal state.
	// Ledger statuses only move forward, so nothing is mutated here.
	if entry.Status != types.EntryStatusAwaiting {
		sum, err := paidSum(tx, entry.GroupID)
		tx.Rollback()
		if err != nil {
			return nil, false, err
		}
		return &types.ConfirmResult{
			GroupOrderID: entry.GroupID,
			EntryStatus:  entry.Status,
			PaidSum:      sum,
			GroupStatus:  group.Status,
			Applied:      false,
		}, false, nil
	}

	// An awaiting entry under a cancelled group means the sweep skipped it.
	if group.Status == types.GroupStatusCancelled {
		tx.Rollback()
		return nil, false, &types.ConsistencyViolation{
			GroupID: group.GroupID,
			Detail:  "awaiting entry found on a cancelled group",
		}
	}

	// Guarded update: the entry must still be awaiting confirmation.
	res := tx.Model(&types.MemberLedgerEntry{}).
		Where("entry_id = ? AND status = ?", entry.EntryID, types.EntryStatusAwaiting).
		Updates(map[string]interface{}{
			"status":       types.EntryStatusPaid,
			"confirmed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, false, &types.ConsistencyViolation{
			GroupID: group.GroupID,
			Detail:  "entry changed state under the group lock",
		}
	}

	sum, err := paidSum(tx, entry.GroupID)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if sum+types.Tolerance < entry.DeclaredShareAmount {
		tx.Rollback()
		return nil, false, &types.ConsistencyViolation{
			GroupID: group.GroupID,
			Detail:  "derived paid sum is below the confirmed share",
		}
	}

	completed := false
	groupStatus := group.Status
	if group.Status == types.GroupStatusPending && sum >= group.TargetAmount-types.Tolerance {
		// Optimistic guard: completion must fire exactly once, and only
		// from PENDING at the version read in this transaction.
		res := tx.Model(&types.GroupOrder{}).
			Where("group_id = ? AND status = ? AND version = ?",
				group.GroupID, types.GroupStatusPending, group.Version).
			Updates(map[string]interface{}{
				"status":     types.GroupStatusCompleted,
				"version":    group.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			tx.Rollback()
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			tx.Rollback()
			return nil, false, &types.ConsistencyViolation{
				GroupID: group.GroupID,
				Detail:  "completion guard matched no rows",
			}
		}

		if err := tx.Model(&types.SourceOrder{}).
			Where("source_order_id = ?", group.SourceOrderID).
			Updates(map[string]interface{}{"status": "SETTLED", "updated_at": now}).Error; err != nil {
			tx.Rollback()
			return nil, false, err
		}

		completed = true
		groupStatus = types.GroupStatusCompleted
	}

	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}

	return &types.ConfirmResult{
		GroupOrderID: entry.GroupID,
		EntryStatus:  types.EntryStatusPaid,
		PaidSum:      sum,
		GroupStatus:  groupStatus,
		Applied:      true,
	}, completed, nil
}

// ApplyFailed marks an awaiting entry FAILED after an explicit gateway
// failure callback. Terminal entries are left untouched.
func (d *Database) ApplyFailed(paymentReference string, now time.Time) (*types.ConfirmResult, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var entry types.MemberLedgerEntry
	if err := tx.Where("payment_reference = ?", paymentReference).First(&entry).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrUnknownReference
		}
		return nil, err
	}

	var group types.GroupOrder
	if err := tx.Where("group_id = ?", entry.GroupID).First(&group).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if entry.Status != types.EntryStatusAwaiting {
		sum, err := paidSum(tx, entry.GroupID)
		tx.Rollback()
		if err != nil {
			return nil, err
		}
		return &types.ConfirmResult{
			GroupOrderID: entry.GroupID,
			EntryStatus:  entry.Status,
			PaidSum:      sum,
			GroupStatus:  group.Status,
			Applied:      false,
		}, nil
	}

	res := tx.Model(&types.MemberLedgerEntry{}).
		Where("entry_id = ? AND status = ?", entry.EntryID, types.EntryStatusAwaiting).
		Updates(map[string]interface{}{
			"status":     types.EntryStatusFailed,
			"updated_at": now,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, &types.ConsistencyViolation{
			GroupID: group.GroupID,
			Detail:  "entry changed state under the group lock",
		}
	}

	sum, err := paidSum(tx, entry.GroupID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &types.ConfirmResult{
		GroupOrderID: entry.GroupID,
		EntryStatus:  types.EntryStatusFailed,
		PaidSum:      sum,
		GroupStatus:  group.Status,
		Applied:      true,
	}, nil
}

// CancelGroup transitions a PENDING group to CANCELLED and expires its
// not-yet-confirmed entries. PAID entries are left untouched: their money
// was captured. Must be called while holding the group lock. Returns false
// when the group was no longer PENDING.
func (d *Database) CancelGroup(groupID string, now time.Time) (bool, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var group types.GroupOrder
	if err := tx.Where("group_id = ?", groupID).First(&group).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, types.ErrNotFound
		}
		return false, err
	}

	if group.Status != types.GroupStatusPending {
		tx.Rollback()
		return false, nil
	}

	res := tx.Model(&types.GroupOrder{}).
		Where("group_id = ? AND status = ? AND version = ?",
			group.GroupID, types.GroupStatusPending, group.Version).
		Updates(map[string]interface{}{
			"status":     types.GroupStatusCancelled,
			"version":    group.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		tx.Rollback()
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return false, &types.ConsistencyViolation{
			GroupID: group.GroupID,
			Detail:  "cancel guard matched no rows",
		}
	}

	if err := tx.Model(&types.MemberLedgerEntry{}).
		Where("group_id = ? AND status IN ?", group.GroupID,
			[]string{types.EntryStatusInitiated, types.EntryStatusAwaiting}).
		Updates(map[string]interface{}{
			"status":     types.EntryStatusExpired,
			"updated_at": now,
		}).Error; err != nil {
		tx.Rollback()
		return false, err
	}

	if err := tx.Model(&types.SourceOrder{}).
		Where("source_order_id = ?", group.SourceOrderID).
		Updates(map[string]interface{}{"status": "VOID", "updated_at": now}).Error; err != nil {
		tx.Rollback()
		return false, err
	}

	if err := tx.Commit().Error; err != nil {
		return false, err
	}

	return true, nil
}
