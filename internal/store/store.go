package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the ledger: the single source of truth for orders, transactions,
// returns and the seller identity shadow table.
type Store struct {
	db *sqlx.DB
}

// NewStore connects to the ledger database.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetSellerByID retrieves one seller identity shadow record.
func (s *Store) GetSellerByID(ctx context.Context, sellerID string) (*models.SellerIdentity, error) {
	var seller models.SellerIdentity
	err := s.db.GetContext(ctx, &seller,
		"SELECT seller_id, name, email, role FROM seller_identities WHERE seller_id = $1", sellerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seller, nil
}

// ListSellersByIDs retrieves seller identity shadow records in bulk.
func (s *Store) ListSellersByIDs(ctx context.Context, sellerIDs []string) ([]models.SellerIdentity, error) {
	if len(sellerIDs) == 0 {
		return []models.SellerIdentity{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT seller_id, name, email, role FROM seller_identities WHERE seller_id IN (?)", sellerIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var sellers []models.SellerIdentity
	err = s.db.SelectContext(ctx, &sellers, query, args...)
	return sellers, err
}

// IsEventProcessed checks if a gateway or broker event has been processed.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
