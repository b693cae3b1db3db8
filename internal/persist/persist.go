// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/matta/gotriage/internal/homedir"
	"github.com/matta/gotriage/internal/message"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// The tracking table holds one row per message this program has
// finished with.  Rows are only ever inserted.
//
// Field: email_message_id
//
//   GMail API: Users.messages resource "id" field.  The primary key
//   makes a second insert for the same message a no-op, which closes
//   most of the window in which two concurrent runs could both record
//   the same message.
//
// Field: processing_status
//
//   One of the message.Status values.
//
// Field: created_at
//
//   When the row was written.  Informational only.
const createTableSql = `
CREATE TABLE IF NOT EXISTS %s (
email_message_id TEXT NOT NULL PRIMARY KEY,
processing_status TEXT NOT NULL
	CHECK (processing_status IN ('kept', 'archived', 'archive_failed', 'error')),
created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// DB is the persistence store backing the outcome tracker.
type DB struct {
	db    *sqlx.DB
	table string
}

// ValidTable reports whether name can be used as the tracking table.
func ValidTable(name string) bool {
	return tableName.MatchString(name)
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: homedir.Expand(path)}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open connects to the store named by driver and dsn and creates the
// tracking table if it does not exist.  For sqlite3 the dsn may be a
// plain path.
func Open(ctx context.Context, driver, dsn, table string) (*DB, error) {
	if !ValidTable(table) {
		return nil, errors.Errorf("Open: invalid table name %q", table)
	}
	switch driver {
	case DriverSQLite:
		// The _busy_timeout is a SQLite extension that controls how
		// long SQLite will poll before giving up.  The default of 5
		// seconds is too short in practice, especially in slower
		// debug builds; go with 5 minutes.
		var busyTimeout = int(5*time.Minute) / int(time.Millisecond)
		var err error
		dsn, err = dsnFromPath(dsn, url.Values{
			"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
		if err != nil {
			return nil, errors.Wrapf(err,
				"Open(%q) failed: could not form a DB DSN from "+
					"the given path",
				dsn)
		}
	case DriverPostgres:
	default:
		return nil, errors.Errorf("Open: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open %s database", table, driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not reach %s database", table, driver)
	}

	if err = initSchema(ctx, db, table); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", table)
	}

	return &DB{db: db, table: table}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sqlx.DB, table string) error {
	q := fmt.Sprintf(createTableSql, table)
	if _, err := db.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(err, "while executing %q", q)
	}
	return nil
}

// Lookup returns the recorded status of a message, if any.
func (db *DB) Lookup(ctx context.Context, id string) (message.Status, bool, error) {
	q := fmt.Sprintf(
		`SELECT processing_status FROM %s WHERE email_message_id = $1`, db.table)
	var status string
	if err := db.db.GetContext(ctx, &status, q, id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "looking up message %v", id)
	}
	return message.Status(status), true, nil
}

// Insert writes the record for a message.  It reports false, without
// error, when a record for the message already exists.
func (db *DB) Insert(ctx context.Context, id string, status message.Status) (bool, error) {
	if !status.Valid() {
		return false, errors.Errorf("invalid status %q for message %v", status, id)
	}
	q := fmt.Sprintf(`
INSERT INTO %s (email_message_id, processing_status) VALUES ($1, $2)
ON CONFLICT (email_message_id) DO NOTHING`, db.table)
	res, err := db.db.ExecContext(ctx, q, id, string(status))
	if err != nil {
		return false, errors.Wrapf(err, "inserting message %v", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "inserting message %v", id)
	}
	return n == 1, nil
}

// Counts returns the number of records per status.
func (db *DB) Counts(ctx context.Context) (map[message.Status]int, error) {
	q := fmt.Sprintf(`
SELECT processing_status, COUNT(*) AS n FROM %s
GROUP BY processing_status`, db.table)
	var rows []struct {
		Status string `db:"processing_status"`
		N      int    `db:"n"`
	}
	if err := db.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "counting records")
	}
	counts := make(map[message.Status]int, len(rows))
	for _, r := range rows {
		counts[message.Status(r.Status)] = r.N
	}
	return counts, nil
}
