package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// PostgresPeerStore implements PeerStore with PostgreSQL persistence, for
// hosted deployments where peer trust must survive restarts and be shared
// across replicas.
type PostgresPeerStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresPeerStore creates a new PostgreSQL-backed store.
func NewPostgresPeerStore(config *PostgresConfig) (*PostgresPeerStore, error) {
	return NewPostgresPeerStoreDSN(config.ConnectionString())
}

// NewPostgresPeerStoreDSN creates a store from a raw connection string.
func NewPostgresPeerStoreDSN(dsn string) (*PostgresPeerStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresPeerStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresPeerStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peer_registrations (
		peer_id VARCHAR(64) PRIMARY KEY,
		backend_id VARCHAR(128) NOT NULL UNIQUE,
		kind VARCHAR(16) NOT NULL,
		public_key VARCHAR(128) NOT NULL,
		exchange_key VARCHAR(128) NOT NULL,
		capabilities JSONB NOT NULL DEFAULT '[]',
		token JSONB NOT NULL,
		registered_at TIMESTAMP WITH TIME ZONE NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		previous_public_key VARCHAR(128),
		previous_key_expiry TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_peers_backend ON peer_registrations(backend_id);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save upserts a registration by peer id.
func (s *PostgresPeerStore) Save(reg *PeerRegistration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caps, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	token, err := json.Marshal(reg.Token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	var prevKey any
	var prevExpiry any
	if reg.PreviousPublicKey != nil {
		prevKey = reg.PreviousPublicKey.String()
		prevExpiry = reg.PreviousKeyExpiry
	}

	query := `
	INSERT INTO peer_registrations
		(peer_id, backend_id, kind, public_key, exchange_key, capabilities, token, registered_at, revoked, previous_public_key, previous_key_expiry)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (peer_id) DO UPDATE SET
		public_key = EXCLUDED.public_key,
		exchange_key = EXCLUDED.exchange_key,
		capabilities = EXCLUDED.capabilities,
		token = EXCLUDED.token,
		revoked = EXCLUDED.revoked,
		previous_public_key = EXCLUDED.previous_public_key,
		previous_key_expiry = EXCLUDED.previous_key_expiry
	`

	_, err = s.db.ExecContext(ctx, query,
		reg.PeerID,
		reg.BackendID,
		string(reg.Kind),
		reg.PublicKey.String(),
		reg.ExchangeKey,
		caps,
		token,
		reg.RegisteredAt,
		reg.Revoked,
		prevKey,
		prevExpiry,
	)
	return err
}

// Get returns the registration for a peer id.
func (s *PostgresPeerStore) Get(peerID string) (*PeerRegistration, bool, error) {
	return s.queryOne(`SELECT peer_id, backend_id, kind, public_key, exchange_key, capabilities, token, registered_at, revoked, previous_public_key, previous_key_expiry
		FROM peer_registrations WHERE peer_id = $1`, peerID)
}

// GetByBackendID returns the registration for a backend id.
func (s *PostgresPeerStore) GetByBackendID(backendID string) (*PeerRegistration, bool, error) {
	return s.queryOne(`SELECT peer_id, backend_id, kind, public_key, exchange_key, capabilities, token, registered_at, revoked, previous_public_key, previous_key_expiry
		FROM peer_registrations WHERE backend_id = $1`, backendID)
}

// All returns every registration, including revoked ones.
func (s *PostgresPeerStore) All() ([]*PeerRegistration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, backend_id, kind, public_key, exchange_key, capabilities, token, registered_at, revoked, previous_public_key, previous_key_expiry
		FROM peer_registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PeerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, reg)
	}
	return result, rows.Err()
}

// Close closes the database connection.
func (s *PostgresPeerStore) Close() error {
	return s.db.Close()
}

func (s *PostgresPeerStore) queryOne(query, arg string) (*PeerRegistration, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	reg, err := scanRegistration(rows)
	if err != nil {
		return nil, false, err
	}
	return reg, true, nil
}

func scanRegistration(rows *sql.Rows) (*PeerRegistration, error) {
	var (
		reg        PeerRegistration
		kind       string
		pubKey     string
		caps       []byte
		token      []byte
		prevKey    sql.NullString
		prevExpiry sql.NullTime
	)
	if err := rows.Scan(&reg.PeerID, &reg.BackendID, &kind, &pubKey, &reg.ExchangeKey,
		&caps, &token, &reg.RegisteredAt, &reg.Revoked, &prevKey, &prevExpiry); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}

	reg.Kind = protocol.BackendKind(kind)

	parsed, err := crypto.NewPublicKeyFromString(pubKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	reg.PublicKey = parsed

	if err := json.Unmarshal(caps, &reg.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := json.Unmarshal(token, &reg.Token); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	if prevKey.Valid {
		parsedPrev, err := crypto.NewPublicKeyFromString(prevKey.String)
		if err != nil {
			return nil, fmt.Errorf("decoding previous public key: %w", err)
		}
		reg.PreviousPublicKey = parsedPrev
		if prevExpiry.Valid {
			reg.PreviousKeyExpiry = prevExpiry.Time
		}
	}
	return &reg, nil
}
