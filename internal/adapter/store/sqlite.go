// Package store persists wallet state: tracked tokens, connected sites and
// pending credential deployments, plus request dedupe.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"walletbridge/internal/domain"
)

// SQLite implements domain.TokenStore, domain.SiteStore and
// domain.CredentialStore on a single SQLite database.
type SQLite struct {
	db *sql.DB
}

var (
	_ domain.TokenStore      = (*SQLite)(nil)
	_ domain.SiteStore       = (*SQLite)(nil)
	_ domain.CredentialStore = (*SQLite)(nil)
)

// Open opens (or creates) the database at dbPath and runs the schema
// migration. ":memory:" opens a private in-memory database.
func Open(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("%w: create store dir: %w", domain.ErrStore, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open wallet db: %w", domain.ErrStore, err)
	}
	if dbPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %w", domain.ErrStore, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set busy timeout: %w", domain.ErrStore, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate wallet db: %w", domain.ErrStore, err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			account        TEXT NOT NULL,
			contract_index INTEGER NOT NULL,
			token_id       TEXT NOT NULL,
			metadata_url   TEXT NOT NULL DEFAULT '',
			metadata       TEXT NOT NULL DEFAULT '{}',
			added_at       TEXT NOT NULL,
			PRIMARY KEY (account, contract_index, token_id)
		);
		CREATE TABLE IF NOT EXISTS sites (
			origin       TEXT NOT NULL,
			account      TEXT NOT NULL,
			connected_at TEXT NOT NULL,
			PRIMARY KEY (origin, account)
		);
		CREATE TABLE IF NOT EXISTS credentials (
			deployment_hash TEXT PRIMARY KEY,
			genesis_hash    TEXT NOT NULL,
			account         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS credentials_pending ON credentials (genesis_hash, status);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", domain.ErrStore, err)
	}
	return nil
}

// --- tokens ---

// SaveTokens upserts tokens for account. Token ids are stored lowercase so
// the same id in different hex case is one token.
func (s *SQLite) SaveTokens(ctx context.Context, account string, tokens []domain.TokenIdentifier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrStore, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tokens (account, contract_index, token_id, metadata_url, metadata, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, contract_index, token_id) DO UPDATE SET
			metadata_url = excluded.metadata_url,
			metadata     = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %w", domain.ErrStore, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, t := range tokens {
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata for %s: %w", domain.ErrStore, t.Key(), err)
		}
		added := t.AddedAt
		if added.IsZero() {
			added = now
		}
		if _, err := stmt.ExecContext(ctx,
			account, int64(t.ContractIndex), strings.ToLower(t.ID), t.MetadataURL, string(meta),
			added.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("%w: save token %s: %w", domain.ErrStore, t.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrStore, err)
	}
	return nil
}

// ListTokens returns account's tokens in contractIndex, oldest first.
func (s *SQLite) ListTokens(ctx context.Context, account string, contractIndex uint64) ([]domain.TokenIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_index, token_id, metadata_url, metadata, added_at
		FROM tokens WHERE account = ? AND contract_index = ?
		ORDER BY added_at, token_id`, account, int64(contractIndex))
	if err != nil {
		return nil, fmt.Errorf("%w: list tokens: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	var out []domain.TokenIdentifier
	for rows.Next() {
		var (
			t        domain.TokenIdentifier
			idx      int64
			metaStr  string
			addedStr string
		)
		if err := rows.Scan(&idx, &t.ID, &t.MetadataURL, &metaStr, &addedStr); err != nil {
			return nil, fmt.Errorf("%w: scan token: %w", domain.ErrStore, err)
		}
		if err := json.Unmarshal([]byte(metaStr), &t.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata: %w", domain.ErrStore, err)
		}
		t.ContractIndex = uint64(idx)
		t.Account = account
		t.AddedAt, _ = time.Parse(time.RFC3339Nano, addedStr)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tokens: %w", domain.ErrStore, err)
	}
	return out, nil
}

// RemoveToken deletes one token.
func (s *SQLite) RemoveToken(ctx context.Context, account string, contractIndex uint64, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE account = ? AND contract_index = ? AND token_id = ?",
		account, int64(contractIndex), strings.ToLower(id))
	if err != nil {
		return fmt.Errorf("%w: remove token: %w", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", "store.RemoveToken", domain.ErrNotFound,
			fmt.Sprintf("token %d/%s", contractIndex, id))
	}
	return nil
}

// --- connected sites ---

// AllowSite records that origin may see account.
func (s *SQLite) AllowSite(ctx context.Context, site domain.ConnectedSite) error {
	at := site.ConnectedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (origin, account, connected_at) VALUES (?, ?, ?)
		ON CONFLICT (origin, account) DO UPDATE SET connected_at = excluded.connected_at`,
		site.Origin, site.Account, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: allow site: %w", domain.ErrStore, err)
	}
	return nil
}

// IsAllowed reports whether origin was allowed for account.
func (s *SQLite) IsAllowed(ctx context.Context, origin, account string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM sites WHERE origin = ? AND account = ?", origin, account).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: is allowed: %w", domain.ErrStore, err)
	}
	return true, nil
}

// RevokeSite forgets origin for every account.
func (s *SQLite) RevokeSite(ctx context.Context, origin string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sites WHERE origin = ?", origin); err != nil {
		return fmt.Errorf("%w: revoke site: %w", domain.ErrStore, err)
	}
	return nil
}

// ListSites returns the sites connected to account; empty account lists all.
func (s *SQLite) ListSites(ctx context.Context, account string) ([]domain.ConnectedSite, error) {
	query := "SELECT origin, account, connected_at FROM sites"
	var args []any
	if account != "" {
		query += " WHERE account = ?"
		args = append(args, account)
	}
	query += " ORDER BY connected_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sites: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	var out []domain.ConnectedSite
	for rows.Next() {
		var site domain.ConnectedSite
		var at string
		if err := rows.Scan(&site.Origin, &site.Account, &at); err != nil {
			return nil, fmt.Errorf("%w: scan site: %w", domain.ErrStore, err)
		}
		site.ConnectedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, site)
	}
	return out, rows.Err()
}

// --- credentials ---

// AddCredential records a credential deployment. Re-adding a hash resets it
// to the given status.
func (s *SQLite) AddCredential(ctx context.Context, cred domain.PendingCredential) error {
	status := cred.Status
	if status == "" {
		status = domain.CredentialPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (deployment_hash, genesis_hash, account, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (deployment_hash) DO UPDATE SET
			genesis_hash = excluded.genesis_hash,
			account      = excluded.account,
			status       = excluded.status,
			updated_at   = excluded.updated_at`,
		cred.DeploymentHash, cred.GenesisHash, cred.Account, string(status),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: add credential: %w", domain.ErrStore, err)
	}
	return nil
}

// ListPending returns the pending deployments on genesisHash.
func (s *SQLite) ListPending(ctx context.Context, genesisHash string) ([]domain.PendingCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_hash, genesis_hash, account, status, updated_at
		FROM credentials WHERE genesis_hash = ? AND status = ?
		ORDER BY updated_at`, genesisHash, string(domain.CredentialPending))
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	var out []domain.PendingCredential
	for rows.Next() {
		var c domain.PendingCredential
		var status, at string
		if err := rows.Scan(&c.DeploymentHash, &c.GenesisHash, &c.Account, &status, &at); err != nil {
			return nil, fmt.Errorf("%w: scan credential: %w", domain.ErrStore, err)
		}
		c.Status = domain.CredentialStatus(status)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCredentialStatus updates a deployment's status.
func (s *SQLite) SetCredentialStatus(ctx context.Context, deploymentHash string, status domain.CredentialStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE credentials SET status = ?, updated_at = ? WHERE deployment_hash = ?",
		string(status), time.Now().UTC().Format(time.RFC3339Nano), deploymentHash)
	if err != nil {
		return fmt.Errorf("%w: set credential status: %w", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("credential", "store.SetCredentialStatus", domain.ErrNotFound, deploymentHash)
	}
	return nil
}
