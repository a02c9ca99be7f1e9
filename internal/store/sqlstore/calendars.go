package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

func (s *Store) scanCalendar(row interface {
	Scan(dest ...any) error
}) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	var deletedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.URI, &c.DisplayName, &c.Description, &c.Color, &c.Order,
		&c.TimezoneID, &c.SubscriptionURL, &c.PushTopic, &c.SyncToken, &deletedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.DeletedAt = timePtr(deletedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

const calendarCols = `id, owner_id, uri, display_name, description, color, order_num, timezone_id, subscription_url, push_topic, sync_token, deleted_at, created_at, updated_at`

func (s *Store) loadComponents(ctx context.Context, cal *domain.Calendar) error {
	rows, err := s.query(ctx, `SELECT component FROM calendar_components WHERE calendar_id = ?`, cal.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var comp string
		if err := rows.Scan(&comp); err != nil {
			return err
		}
		cal.SupportedComps = append(cal.SupportedComps, domain.Component(comp))
	}
	return rows.Err()
}

func (s *Store) GetCalendar(ctx context.Context, principal, id string, includeDeleted bool) (*domain.Calendar, error) {
	row := s.queryRow(ctx, `SELECT `+calendarCols+` FROM calendars WHERE id = ? AND owner_id = ?`, id, principal)
	c, err := s.scanCalendar(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.IsDeleted() && !includeDeleted {
		return nil, store.ErrNotFound
	}
	if err := s.loadComponents(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) listCalendars(ctx context.Context, principal string, deleted bool) ([]*domain.Calendar, error) {
	cmp := "deleted_at IS NULL"
	if deleted {
		cmp = "deleted_at IS NOT NULL"
	}
	rows, err := s.query(ctx, `SELECT `+calendarCols+` FROM calendars WHERE owner_id = ? AND `+cmp+` ORDER BY id`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Calendar
	for rows.Next() {
		c, err := s.scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadComponents(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCalendars(ctx context.Context, principal string) ([]*domain.Calendar, error) {
	return s.listCalendars(ctx, principal, false)
}

func (s *Store) GetDeletedCalendars(ctx context.Context, principal string) ([]*domain.Calendar, error) {
	return s.listCalendars(ctx, principal, true)
}

func (s *Store) InsertCalendar(ctx context.Context, cal *domain.Calendar) error {
	if cal.PushTopic == "" {
		cal.PushTopic = uuid.NewString()
	}
	now := time.Now()
	cal.CreatedAt, cal.UpdatedAt = now, now
	cal.SyncToken = 1
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO calendars (`+calendarCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			cal.ID, cal.OwnerID, cal.URI, cal.DisplayName, cal.Description, cal.Color, cal.Order,
			cal.TimezoneID, cal.SubscriptionURL, cal.PushTopic, cal.SyncToken, nullTimeStr(cal.DeletedAt), timeStr(cal.CreatedAt), timeStr(cal.UpdatedAt))
		if err != nil {
			return err
		}
		for _, comp := range cal.SupportedComps {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO calendar_components (calendar_id, component) VALUES (?, ?)`), cal.ID, string(comp)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.ErrAlreadyExists
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: cal.ID})
	return nil
}

func (s *Store) UpdateCalendar(ctx context.Context, principal, id string, cal *domain.Calendar) error {
	existing, err := s.GetCalendar(ctx, principal, id, true)
	if err != nil {
		return err
	}
	cal.ID = existing.ID
	cal.OwnerID = existing.OwnerID
	cal.PushTopic = existing.PushTopic
	cal.CreatedAt = existing.CreatedAt
	cal.UpdatedAt = time.Now()
	cal.SyncToken = existing.SyncToken + 1
	_, err = s.exec(ctx, `UPDATE calendars SET uri=?, display_name=?, description=?, color=?, order_num=?, timezone_id=?, subscription_url=?, sync_token=?, updated_at=? WHERE id=? AND owner_id=?`,
		cal.URI, cal.DisplayName, cal.Description, cal.Color, cal.Order, cal.TimezoneID, cal.SubscriptionURL, cal.SyncToken, timeStr(cal.UpdatedAt), id, principal)
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) DeleteCalendar(ctx context.Context, principal, id string, useTrashbin bool) error {
	cal, err := s.GetCalendar(ctx, principal, id, true)
	if err != nil {
		return err
	}
	now := time.Now()
	if useTrashbin {
		_, err = s.exec(ctx, `UPDATE calendars SET deleted_at=?, sync_token=sync_token+1, updated_at=? WHERE id=? AND owner_id=?`, timeStr(now), timeStr(now), id, principal)
	} else {
		_, err = s.exec(ctx, `DELETE FROM calendars WHERE id=? AND owner_id=?`, id, principal)
	}
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) RestoreCalendar(ctx context.Context, principal, id string) error {
	cal, err := s.GetCalendar(ctx, principal, id, true)
	if err != nil || !cal.IsDeleted() {
		return store.ErrNotFound
	}
	now := time.Now()
	if _, err := s.exec(ctx, `UPDATE calendars SET deleted_at=NULL, sync_token=sync_token+1, updated_at=? WHERE id=? AND owner_id=?`, timeStr(now), id, principal); err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeCollectionChange, ResourceType: domain.ResourceCalendar, ResourceID: id})
	return nil
}

func (s *Store) SyncChanges(ctx context.Context, principal, id string, since int64) ([]*domain.CalendarObject, []string, int64, error) {
	cal, err := s.GetCalendar(ctx, principal, id, true)
	if err != nil {
		return nil, nil, 0, err
	}
	rows, err := s.query(ctx, `SELECT object_id, op FROM calendar_changes WHERE calendar_id=? AND token > ? ORDER BY token`, id, since)
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
	var objects []*domain.CalendarObject
	var deleted []string
	for _, objID := range order {
		switch lastOp[objID] {
		case "add":
			obj, err := s.GetObject(ctx, principal, id, objID)
			if err == nil {
				objects = append(objects, obj)
			}
		case "delete":
			deleted = append(deleted, objID)
		}
	}
	return objects, deleted, cal.SyncToken, nil
}

const objectCols = `id, calendar_id, uid, etag, raw_data, component, start_at, end_at, deleted_at, updated_at`

func scanObject(row interface{ Scan(dest ...any) error }) (*domain.CalendarObject, error) {
	o := &domain.CalendarObject{}
	var startAt, endAt, deletedAt sql.NullString
	var updatedAt string
	var comp string
	if err := row.Scan(&o.ID, &o.CalendarID, &o.UID, &o.ETag, &o.RawData, &comp, &startAt, &endAt, &deletedAt, &updatedAt); err != nil {
		return nil, err
	}
	o.Component = domain.Component(comp)
	o.StartAt = timePtr(startAt)
	o.EndAt = timePtr(endAt)
	o.DeletedAt = timePtr(deletedAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func (s *Store) GetObject(ctx context.Context, principal, calID, objectID string) (*domain.CalendarObject, error) {
	if _, err := s.GetCalendar(ctx, principal, calID, true); err != nil {
		return nil, err
	}
	row := s.queryRow(ctx, `SELECT `+objectCols+` FROM calendar_objects WHERE id=? AND calendar_id=?`, objectID, calID)
	o, err := scanObject(row)
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

func (s *Store) GetObjects(ctx context.Context, principal, calID string) ([]*domain.CalendarObject, error) {
	if _, err := s.GetCalendar(ctx, principal, calID, true); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `SELECT `+objectCols+` FROM calendar_objects WHERE calendar_id=? AND deleted_at IS NULL ORDER BY id`, calID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CalendarObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) appendCalLog(ctx context.Context, tx *sql.Tx, calID, objID, op string) (int64, error) {
	var token int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT sync_token FROM calendars WHERE id=?`), calID)
	if err := row.Scan(&token); err != nil {
		return 0, err
	}
	token++
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO calendar_changes (calendar_id, token, object_id, op) VALUES (?,?,?,?)`), calID, token, objID, op); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE calendars SET sync_token=?, updated_at=? WHERE id=?`), token, timeStr(time.Now()), calID); err != nil {
		return 0, err
	}
	return token, nil
}

func (s *Store) PutObject(ctx context.Context, principal, calID string, obj *domain.CalendarObject, overwrite bool) error {
	cal, err := s.GetCalendar(ctx, principal, calID, true)
	if err != nil {
		return err
	}
	obj.CalendarID = calID
	obj.UpdatedAt = time.Now()
	obj.DeletedAt = nil
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT count(*) FROM calendar_objects WHERE id=? AND calendar_id=?`), obj.ID, calID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			if !overwrite {
				return store.ErrAlreadyExists
			}
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE calendar_objects SET uid=?, etag=?, raw_data=?, component=?, start_at=?, end_at=?, deleted_at=NULL, updated_at=? WHERE id=? AND calendar_id=?`),
				obj.UID, obj.ETag, obj.RawData, string(obj.Component), nullTimeStr(obj.StartAt), nullTimeStr(obj.EndAt), timeStr(obj.UpdatedAt), obj.ID, calID)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO calendar_objects (`+objectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
				obj.ID, calID, obj.UID, obj.ETag, obj.RawData, string(obj.Component), nullTimeStr(obj.StartAt), nullTimeStr(obj.EndAt), nullTimeStr(obj.DeletedAt), timeStr(obj.UpdatedAt))
			if err != nil {
				return err
			}
		}
		_, err := s.appendCalLog(ctx, tx, calID, obj.ID, "add")
		return err
	})
	if err != nil {
		if err == store.ErrAlreadyExists {
			return err
		}
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, principal, calID, objectID string, useTrashbin bool) error {
	cal, err := s.GetCalendar(ctx, principal, calID, true)
	if err != nil {
		return err
	}
	if _, err := s.GetObject(ctx, principal, calID, objectID); err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if useTrashbin {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE calendar_objects SET deleted_at=?, updated_at=? WHERE id=? AND calendar_id=?`), timeStr(time.Now()), timeStr(time.Now()), objectID, calID)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM calendar_objects WHERE id=? AND calendar_id=?`), objectID, calID)
		}
		if err != nil {
			return err
		}
		_, err = s.appendCalLog(ctx, tx, calID, objectID, "delete")
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeObjectDelete, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) RestoreObject(ctx context.Context, principal, calID, objectID string) error {
	cal, err := s.GetCalendar(ctx, principal, calID, true)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE calendar_objects SET deleted_at=NULL, updated_at=? WHERE id=? AND calendar_id=? AND deleted_at IS NOT NULL`), timeStr(time.Now()), objectID, calID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		_, err = s.appendCalLog(ctx, tx, calID, objectID, "add")
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.ChangeRecord{Topic: cal.PushTopic, Kind: domain.ChangeObjectChange, ResourceType: domain.ResourceCalendar, ResourceID: calID})
	return nil
}

func (s *Store) ImportCalendar(ctx context.Context, cal *domain.Calendar, objects []*domain.CalendarObject, overwriteExisting bool) error {
	if _, err := s.GetCalendar(ctx, cal.OwnerID, cal.ID, true); err != nil {
		return err
	}
	for _, obj := range objects {
		_ = s.PutObject(ctx, cal.OwnerID, cal.ID, obj, overwriteExisting)
	}
	return nil
}
