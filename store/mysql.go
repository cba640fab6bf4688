package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// Schema of the mysql store.
const Schema = "CREATE TABLE IF NOT EXISTS messages (" +
	"id VARCHAR(64) NOT NULL PRIMARY KEY," +
	"client_id VARCHAR(64) NOT NULL DEFAULT ''," +
	"conv_key VARCHAR(140) NOT NULL," +
	"from_uid VARCHAR(64) NOT NULL," +
	"to_uid VARCHAR(64) NOT NULL," +
	"content TEXT NOT NULL," +
	"create_time DATETIME(3) NOT NULL," +
	"KEY idx_conv_time (conv_key, create_time)," +
	"KEY idx_from_client (from_uid, client_id)" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

const (
	insertMessageSQL = "INSERT INTO messages (id,client_id,conv_key,from_uid,to_uid,content,create_time) " +
		"VALUES (?,?,?,?,?,?,?)"
	getMessageSQL  = "SELECT from_uid,to_uid,content,create_time FROM messages WHERE id=?"
	getByClientSQL = "SELECT id,client_id,from_uid,to_uid,content,create_time FROM messages " +
		"WHERE from_uid=? AND client_id=? LIMIT 1"
	getHistorySQL = "SELECT id,client_id,from_uid,to_uid,content,create_time FROM messages " +
		"WHERE conv_key=? ORDER BY create_time DESC, id DESC LIMIT ?"
)

// mysqlStore implements interface `IMessageStore`.
// The dsn must enable `parseTime=true`.
type mysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

// Init creates the table when missing.
func (s *mysqlStore) Init(ctx context.Context) error {
	_, err := s.ExecContext(ctx, Schema)
	return err
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("store: failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func (s *mysqlStore) Save(ctx context.Context, m *Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL, m.Id, m.ClientId, ConvKey(m.From, m.To),
			m.From, m.To, m.Content, m.CreateTime)
		if err == nil {
			return nil
		}
		if !s.IsDupKeyError(err) {
			glog.Errorf("store: insert message error, id: %s, err: %v", m.Id, err)
			return err
		}

		// Saved already: a retry after a failed commit is not an error.
		var saved Message
		row := tx.QueryRowContext(ctx, getMessageSQL, m.Id)
		if err := row.Scan(&saved.From, &saved.To, &saved.Content, &saved.CreateTime); err != nil {
			glog.Errorf("store: get message error, id: %s, err: %v", m.Id, err)
			return err
		}
		if sameMessage(&saved, m) {
			return nil
		}
		return ErrConflict
	})
}

func (s *mysqlStore) FindByClientId(ctx context.Context, from, clientId string) (*Message, error) {
	var m Message
	row := s.QueryRowContext(ctx, getByClientSQL, from, clientId)
	if err := row.Scan(&m.Id, &m.ClientId, &m.From, &m.To, &m.Content, &m.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("store: find by client id error, from: %s, cid: %s, err: %v", from, clientId, err)
		return nil, err
	}
	return &m, nil
}

func (s *mysqlStore) History(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	var out []*Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, getHistorySQL, ConvKey(a, b), NormalizeLimit(limit))
		if err != nil {
			glog.Errorf("store: get history query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Message
			var t time.Time
			if err := rows.Scan(&m.Id, &m.ClientId, &m.From, &m.To, &m.Content, &t); err != nil {
				glog.Errorf("store: get history scan err: %v", err)
				return err
			}
			m.CreateTime = t
			out = append(out, &m)
		}
		return rows.Err()
	}, &sql.TxOptions{ReadOnly: true}); err != nil {
		return nil, err
	}

	reverse(out)
	return out, nil
}
