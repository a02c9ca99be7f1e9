package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

const addressbookCols = `id, owner_id, uri, display_name, description, push_topic, sync_token, deleted_at, created_at, updated_at`

func scanAddressbook(row interface{ Scan(dest ...any) error }) (*domain.Addressbook, error) {
	a := &domain.Addressbook{}
	var deletedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.URI, &a.DisplayName, &a.Description, &a.PushTopic, &a.SyncToken, &deletedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.DeletedAt = timePtr(deletedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *Store) GetAddressbook(ctx context.Context, principal, id string, includeDeleted bool) (*domain.Addressbook, error) {
	row := s.queryRow(ctx, `SELECT `+addressbookCols+` FROM addressbooks WHERE id=? AND owner_id=?`, id, principal)
	a, err := scanAddressbook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.IsDeleted() && !includeDeleted {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) listAddressbooks(ctx context.Context, principal string, deleted bool) ([]*domain.Addressbook, error) {
	cmp := "deleted_at IS NULL"
	if deleted {
		cmp = "deleted_at IS NOT NULL"
	}
	rows, err := s.query(ctx, `SELECT `+addressbookCols+` FROM addressbooks WHERE owner_id=? AND `+cmp+` ORDER BY id`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Addressbook
	for rows.Next() {
		a, err := scanAddressbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAddressbooks(ctx context.Context, principal string) ([]*domain.Addressbook, error) {
	return s.listAddressbooks(ctx, principal, false)
}

func (s *Store) GetDeletedAddressbooks(ctx context.Context, principal string) ([]*domain.Addressbook, error) {
	return s.listAddressbooks(ctx, principal, true)
}

func (s *Store) InsertAddressbook(ctx context.Context, ab *domain.Addressbook) error {
	if ab.PushTopic == "" {
		ab.PushTopic = uuid.NewString()
	}
	now := time.Now()
	ab.CreatedAt, ab.UpdatedAt = now, now
	ab.SyncToken = 1
	_, err := s.exec(ctx, `INSERT INTO addressbooks (`+addressbookCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ab.ID, ab.OwnerID, ab.URI, ab.DisplayName, ab.Description, ab.PushTopic, ab.SyncToken, nullTimeStr(ab.DeletedAt), timeStr(ab.CreatedAt), timeStr(ab.UpdatedAt))
	if err != nil {
		return store.ErrAlreadyExists
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: ab.ID})
	return nil
}

func (s *Store) UpdateAddressbook(ctx context.Context, principal, id string, ab *domain.Addressbook) error {
	existing, err := s.GetAddressbook(ctx, principal, id, true)
	if err != nil {
		return err
	}
	ab.ID = existing.ID
	ab.OwnerID = existing.OwnerID
	ab.PushTopic = existing.PushTopic
	ab.CreatedAt = existing.CreatedAt
	ab.UpdatedAt = time.Now()
	ab.SyncToken = existing.SyncToken + 1
	_, err = s.exec(ctx, `UPDATE addressbooks SET uri=?, display_name=?, description=?, sync_token=?, updated_at=? WHERE id=? AND owner_id=?`,
		ab.URI, ab.DisplayName, ab.Description, ab.SyncToken, timeStr(ab.UpdatedAt), id, principal)
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) DeleteAddressbook(ctx context.Context, principal, id string, useTrashbin bool) error {
	ab, err := s.GetAddressbook(ctx, principal, id, true)
	if err != nil {
		return err
	}
	now := time.Now()
	if useTrashbin {
		_, err = s.exec(ctx, `UPDATE addressbooks SET deleted_at=?, sync_token=sync_token+1, updated_at=? WHERE id=? AND owner_id=?`, timeStr(now), timeStr(now), id, principal)
	} else {
		_, err = s.exec(ctx, `DELETE FROM addressbooks WHERE id=? AND owner_id=?`, id, principal)
	}
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) RestoreAddressbook(ctx context.Context, principal, id string) error {
	ab, err := s.GetAddressbook(ctx, principal, id, true)
	if err != nil || !ab.IsDeleted() {
		return store.ErrNotFound
	}
	now := time.Now()
	if _, err := s.exec(ctx, `UPDATE addressbooks SET deleted_at=NULL, sync_token=sync_token+1, updated_at=? WHERE id=? AND owner_id=?`, timeStr(now), id, principal); err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceAddressbook, ResourceID: id})
	return nil
}

func (s *Store) SyncAddressChanges(ctx context.Context, principal, id string, since int64) ([]*domain.AddressObject, []string, int64, error) {
	ab, err := s.GetAddressbook(ctx, principal, id, true)
	if err != nil {
		return nil, nil, 0, err
	}
	rows, err := s.query(ctx, `SELECT object_id, op FROM addressbook_changes WHERE addressbook_id=? AND token > ? ORDER BY token`, id, since)
	if err != nil {
		return nil, nil, 0, err
	}
	lastOp := map[string]string{}
	var order []string
	for rows.Next() {
		var objID, op string
		if err := rows.Scan(&objID, &op); err != nil {
			rows.Close()
			return nil, nil, 0, err
		}
		if _, seen := lastOp[objID]; !seen {
			order = append(order, objID)
		}
		lastOp[objID] = op
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}
	var objects []*domain.AddressObject
	var deleted []string
	for _, objID := range order {
		switch lastOp[objID] {
		case "add":
			obj, err := s.GetAddressObject(ctx, principal, id, objID)
			if err == nil {
				objects = append(objects, obj)
			}
		case "delete":
			deleted = append(deleted, objID)
		}
	}
	return objects, deleted, ab.SyncToken, nil
}

const addressObjectCols = `id, addressbook_id, uid, etag, raw_data, deleted_at, updated_at`

func scanAddressObject(row interface{ Scan(dest ...any) error }) (*domain.AddressObject, error) {
	o := &domain.AddressObject{}
	var deletedAt sql.NullString
	var updatedAt string
	if err := row.Scan(&o.ID, &o.AddressbookID, &o.UID, &o.ETag, &o.RawData, &deletedAt, &updatedAt); err != nil {
		return nil, err
	}
	o.DeletedAt = timePtr(deletedAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func (s *Store) GetAddressObject(ctx context.Context, principal, abID, objectID string) (*domain.AddressObject, error) {
	if _, err := s.GetAddressbook(ctx, principal, abID, true); err != nil {
		return nil, err
	}
	row := s.queryRow(ctx, `SELECT `+addressObjectCols+` FROM address_objects WHERE id=? AND addressbook_id=?`, objectID, abID)
	o, err := scanAddressObject(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.IsDeleted() {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetAddressObjects(ctx context.Context, principal, abID string) ([]*domain.AddressObject, error) {
	if _, err := s.GetAddressbook(ctx, principal, abID, true); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `SELECT `+addressObjectCols+` FROM address_objects WHERE addressbook_id=? AND deleted_at IS NULL ORDER BY id`, abID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AddressObject
	for rows.Next() {
		o, err := scanAddressObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) appendABLog(ctx context.Context, tx *sql.Tx, abID, objID, op string) (int64, error) {
	var token int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT sync_token FROM addressbooks WHERE id=?`), abID)
	if err := row.Scan(&token); err != nil {
		return 0, err
	}
	token++
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO addressbook_changes (addressbook_id, token, object_id, op) VALUES (?,?,?,?)`), abID, token, objID, op); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE addressbooks SET sync_token=?, updated_at=? WHERE id=?`), token, timeStr(time.Now()), abID); err != nil {
		return 0, err
	}
	return token, nil
}

func (s *Store) PutAddressObject(ctx context.Context, principal, abID string, obj *domain.AddressObject, overwrite bool) error {
	ab, err := s.GetAddressbook(ctx, principal, abID, true)
	if err != nil {
		return err
	}
	obj.AddressbookID = abID
	obj.UpdatedAt = time.Now()
	obj.DeletedAt = nil
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT count(*) FROM address_objects WHERE id=? AND addressbook_id=?`), obj.ID, abID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			if !overwrite {
				return store.ErrAlreadyExists
			}
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE address_objects SET uid=?, etag=?, raw_data=?, deleted_at=NULL, updated_at=? WHERE id=? AND addressbook_id=?`),
				obj.UID, obj.ETag, obj.RawData, timeStr(obj.UpdatedAt), obj.ID, abID)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO address_objects (`+addressObjectCols+`) VALUES (?,?,?,?,?,?,?)`),
				obj.ID, abID, obj.UID, obj.ETag, obj.RawData, nullTimeStr(obj.DeletedAt), timeStr(obj.UpdatedAt))
			if err != nil {
				return err
			}
		}
		_, err := s.appendABLog(ctx, tx, abID, obj.ID, "add")
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) DeleteAddressObject(ctx context.Context, principal, abID, objectID string, useTrashbin bool) error {
	ab, err := s.GetAddressbook(ctx, principal, abID, true)
	if err != nil {
		return err
	}
	if _, err := s.GetAddressObject(ctx, principal, abID, objectID); err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if useTrashbin {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE address_objects SET deleted_at=?, updated_at=? WHERE id=? AND addressbook_id=?`), timeStr(time.Now()), timeStr(time.Now()), objectID, abID)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM address_objects WHERE id=? AND addressbook_id=?`), objectID, abID)
		}
		if err != nil {
			return err
		}
		_, err = s.appendABLog(ctx, tx, abID, objectID, "delete")
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeObjectDelete, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) RestoreAddressObject(ctx context.Context, principal, abID, objectID string) error {
	ab, err := s.GetAddressbook(ctx, principal, abID, true)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE address_objects SET deleted_at=NULL, updated_at=? WHERE id=? AND addressbook_id=? AND deleted_at IS NOT NULL`), timeStr(time.Now()), objectID, abID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		_, err = s.appendABLog(ctx, tx, abID, objectID, "add")
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: ab.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceAddressbook, ResourceID: abID})
	return nil
}

func (s *Store) ImportAddressbook(ctx context.Context, ab *domain.Addressbook, objects []*domain.AddressObject, overwriteExisting bool) error {
	if _, err := s.GetAddressbook(ctx, ab.OwnerID, ab.ID, true); err != nil {
		return err
	}
	for _, obj := range objects {
		_ = s.PutAddressObject(ctx, ab.OwnerID, ab.ID, obj, overwriteExisting)
	}
	return nil
}
