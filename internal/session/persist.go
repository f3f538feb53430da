package session

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

// StoredCookie is a cookie together with the request URL it was set from.
type StoredCookie struct {
	URL    string
	Cookie *http.Cookie
}

// Persister keeps committed cookies across restarts, so a restarted proxy can
// resume its session without a fresh login.
type Persister interface {
	Load() ([]StoredCookie, error)
	Save(cookies []StoredCookie) error
	Clear() error
}

// SQLitePersister stores cookies in a single sqlite table.
type SQLitePersister struct {
	db  *sql.DB
	now func() time.Time
}

const cookieSchema = `CREATE TABLE IF NOT EXISTS cookies (
	url       TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	domain    TEXT NOT NULL DEFAULT '',
	path      TEXT NOT NULL DEFAULT '',
	expires   INTEGER NOT NULL DEFAULT 0,
	secure    INTEGER NOT NULL DEFAULT 0,
	http_only INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, domain, path)
)`

// OpenSQLite opens (creating if needed) the cookie database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cookieSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session db: %w", err)
	}
	return &SQLitePersister{db: db, now: time.Now}, nil
}

func (p *SQLitePersister) Close() error { return p.db.Close() }

// Load returns every stored cookie that has not expired.
func (p *SQLitePersister) Load() ([]StoredCookie, error) {
	rows, err := p.db.Query(`SELECT url, name, value, domain, path, expires, secure, http_only FROM cookies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := p.now()
	var out []StoredCookie
	for rows.Next() {
		var (
			u, name, value, domain, path string
			expires                      int64
			secure, httpOnly             bool
		)
		if err := rows.Scan(&u, &name, &value, &domain, &path, &expires, &secure, &httpOnly); err != nil {
			return nil, err
		}
		c := &http.Cookie{Name: name, Value: value, Domain: domain, Path: path, Secure: secure, HttpOnly: httpOnly}
		if expires > 0 {
			c.Expires = time.Unix(expires, 0)
			if !c.Expires.After(now) {
				continue
			}
		}
		out = append(out, StoredCookie{URL: u, Cookie: c})
	}
	return out, rows.Err()
}

// Save upserts cookies. Deletions (MaxAge < 0 or an expiry in the past) remove the row.
func (p *SQLitePersister) Save(cookies []StoredCookie) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := p.now()
	for _, sc := range cookies {
		c := sc.Cookie
		expires := int64(0)
		switch {
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second).Unix()
		case !c.Expires.IsZero():
			expires = c.Expires.Unix()
		}
		if c.MaxAge < 0 || (expires > 0 && expires <= now.Unix()) {
			if _, err := tx.Exec(`DELETE FROM cookies WHERE name = ? AND domain = ? AND path = ?`, c.Name, c.Domain, c.Path); err != nil {
				return err
			}
			continue
		}
		_, err := tx.Exec(`INSERT INTO cookies (url, name, value, domain, path, expires, secure, http_only)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name, domain, path) DO UPDATE SET
				url = excluded.url, value = excluded.value, expires = excluded.expires,
				secure = excluded.secure, http_only = excluded.http_only`,
			sc.URL, c.Name, c.Value, c.Domain, c.Path, expires, c.Secure, c.HttpOnly)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *SQLitePersister) Clear() error {
	_, err := p.db.Exec(`DELETE FROM cookies`)
	return err
}
