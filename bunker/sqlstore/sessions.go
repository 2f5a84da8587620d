package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
)

type sessionRow struct {
	ID               int64         `db:"id"`
	App              string        `db:"app"`
	StartedAt        int64         `db:"started_at"`
	EndedAt          sql.NullInt64 `db:"ended_at"`
	ActiveRelayCount int           `db:"active_relay_count"`
	Type             string        `db:"session_type"`
	State            string        `db:"state"`
}

func (r sessionRow) session() sessions.Session {
	s := sessions.Session{
		ID:               r.ID,
		App:              r.App,
		StartedAt:        fromMillis(r.StartedAt),
		ActiveRelayCount: r.ActiveRelayCount,
		Type:             r.Type,
		State:            sessions.State(r.State),
	}
	if r.EndedAt.Valid {
		ended := fromMillis(r.EndedAt.Int64)
		s.EndedAt = &ended
	}
	return s
}

type eventRow struct {
	ID           int64         `db:"id"`
	SessionID    int64         `db:"session_id"`
	ClientPubKey string        `db:"client_pubkey"`
	Method       string        `db:"method"`
	EventKind    sql.NullInt64 `db:"event_kind"`
	Success      bool          `db:"success"`
	Request      string        `db:"request"`
	Response     string        `db:"response"`
	RequestedAt  int64         `db:"requested_at"`
	CompletedAt  int64         `db:"completed_at"`
}

func endedAt(s sessions.Session) sql.NullInt64 {
	if s.EndedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*s.EndedAt), Valid: true}
}

func (s *Store) CreateSession(ctx context.Context, sess sessions.Session) (int64, error) {
	res, err := s.ExecContext(ctx,
		`INSERT INTO sessions (app, started_at, ended_at, active_relay_count, session_type, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.App, toMillis(sess.StartedAt), endedAt(sess), sess.ActiveRelayCount, sess.Type, string(sess.State),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateSession(ctx context.Context, sess sessions.Session) error {
	res, err := s.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, active_relay_count = ?, state = ? WHERE id = ?`,
		endedAt(sess), sess.ActiveRelayCount, string(sess.State), sess.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessions.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (sessions.Session, error) {
	var row sessionRow
	err := s.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sessions.Session{}, sessions.ErrNotFound
	} else if err != nil {
		return sessions.Session{}, err
	}
	return row.session(), nil
}

func (s *Store) OpenSessions(ctx context.Context, app string) ([]sessions.Session, error) {
	var rows []sessionRow
	var err error
	if app == "" {
		err = s.SelectContext(ctx, &rows, `SELECT * FROM sessions WHERE ended_at IS NULL ORDER BY id`)
	} else {
		err = s.SelectContext(ctx, &rows, `SELECT * FROM sessions WHERE ended_at IS NULL AND app = ? ORDER BY id`, app)
	}
	if err != nil {
		return nil, err
	}
	return toSessions(rows), nil
}

func (s *Store) ListSessions(ctx context.Context, app string) ([]sessions.Session, error) {
	var rows []sessionRow
	if err := s.SelectContext(ctx, &rows, `SELECT * FROM sessions WHERE app = ? ORDER BY id`, app); err != nil {
		return nil, err
	}
	return toSessions(rows), nil
}

func toSessions(rows []sessionRow) []sessions.Session {
	list := make([]sessions.Session, len(rows))
	for i, r := range rows {
		list[i] = r.session()
	}
	return list
}

func (s *Store) AppendEvent(ctx context.Context, evt sessions.Event) (int64, error) {
	var kind sql.NullInt64
	if evt.EventKind != nil {
		kind = sql.NullInt64{Int64: int64(*evt.EventKind), Valid: true}
	}

	res, err := s.ExecContext(ctx,
		`INSERT INTO session_events
		 (session_id, client_pubkey, method, event_kind, success, request, response, requested_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.ClientPubKey, evt.Method, kind, evt.Success, evt.Request, evt.Response,
		toMillis(evt.RequestedAt), toMillis(evt.CompletedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListEvents(ctx context.Context, sessionID int64) ([]sessions.Event, error) {
	var rows []eventRow
	if err := s.SelectContext(ctx, &rows,
		`SELECT * FROM session_events WHERE session_id = ? ORDER BY id`, sessionID); err != nil {
		return nil, err
	}

	events := make([]sessions.Event, len(rows))
	for i, r := range rows {
		events[i] = sessions.Event{
			ID:           r.ID,
			SessionID:    r.SessionID,
			ClientPubKey: r.ClientPubKey,
			Method:       r.Method,
			Success:      r.Success,
			Request:      r.Request,
			Response:     r.Response,
			RequestedAt:  fromMillis(r.RequestedAt),
			CompletedAt:  fromMillis(r.CompletedAt),
		}
		if r.EventKind.Valid {
			kind := int(r.EventKind.Int64)
			events[i].EventKind = &kind
		}
	}
	return events, nil
}
