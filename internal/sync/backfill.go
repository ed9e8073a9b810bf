package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/db"
)

// ParentRef names one foreign key of a tracked table.
type ParentRef struct {
	Column      string
	ParentTable string
}

// parentRefs is the dependency registry driving foreign-key backfill: when an
// apply fails with a missing parent, the listed parents are copied from the
// source database first, depth first.
var parentRefs = map[string][]ParentRef{
	"users": {
		{Column: "campus_id", ParentTable: "campuses"},
	},
	"user_profiles": {
		{Column: "user_id", ParentTable: "users"},
	},
	"items": {
		{Column: "seller_id", ParentTable: "users"},
		{Column: "category_id", ParentTable: "categories"},
		{Column: "campus_id", ParentTable: "campuses"},
	},
	"item_images": {
		{Column: "item_id", ParentTable: "items"},
	},
	"transactions": {
		{Column: "item_id", ParentTable: "items"},
		{Column: "buyer_id", ParentTable: "users"},
		{Column: "seller_id", ParentTable: "users"},
	},
	"messages": {
		{Column: "sender_id", ParentTable: "users"},
		{Column: "receiver_id", ParentTable: "users"},
		{Column: "item_id", ParentTable: "items"},
	},
	"favorites": {
		{Column: "user_id", ParentTable: "users"},
		{Column: "item_id", ParentTable: "items"},
	},
}

// identityColumns are the natural keys used to recognize the same user
// registered independently on two replicas.
var identityColumns = []string{"username", "email", "student_id"}

// backfillParents copies the missing parents of one row from source to
// target, recursing into the parents' own parents. maxDepth guards against
// registry cycles.
func (a *Applier) backfillParents(ctx context.Context, source, target db.PgxIface, table string, row map[string]any, depth int) error {
	if depth <= 0 {
		return fmt.Errorf("parent backfill exceeded maximum depth for %s", table)
	}
	for _, ref := range parentRefs[table] {
		parentID, ok := asInt64(row[ref.Column])
		if !ok {
			continue
		}
		exists, err := rowExists(ctx, target, ref.ParentTable, parentID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		parent, err := selectRow(ctx, source, ref.ParentTable, parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			// the source no longer has it either, nothing to copy
			continue
		}
		if err := a.backfillParents(ctx, source, target, ref.ParentTable, parent, depth-1); err != nil {
			return err
		}
		res := upsertRow(ctx, target, ref.ParentTable, parent)
		if res.Kind == db.KindUniqueViolation && ref.ParentTable == "users" {
			// the parent user already lives at the target under another id:
			// same person, independent signups. Point the child there instead.
			existingID, found, rerr := remapIdentity(ctx, target, parent)
			if rerr != nil {
				return rerr
			}
			if found {
				a.logger.WithFields(logrus.Fields{
					"column":   ref.Column,
					"incoming": parentID,
					"existing": existingID,
				}).Info("Parent user exists under another id, remapping child")
				row[ref.Column] = existingID
				continue
			}
		}
		if !res.OK() {
			return fmt.Errorf("failed to backfill %s/%d: %w", ref.ParentTable, parentID, res.Err)
		}
	}
	return nil
}

// remapIdentity looks for a target user matching the incoming row on any
// natural key and returns its id. Used when an insert collides on a unique
// index: the same person signed up on both replicas, so the rows are merged
// instead of conflicting.
func remapIdentity(ctx context.Context, target db.PgxIface, row map[string]any) (int64, bool, error) {
	for _, col := range identityColumns {
		val, ok := row[col]
		if !ok || val == nil {
			continue
		}
		var id int64
		err := target.QueryRow(ctx,
			fmt.Sprintf(`SELECT id FROM users WHERE %s = $1`, col), val).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !isNoRows(err) {
			return 0, false, fmt.Errorf("identity lookup on %s failed: %w", col, err)
		}
	}
	return 0, false, nil
}
