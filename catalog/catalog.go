// Package catalog is the SQLite-backed store behind the support tools:
// products, orders, order items and customers.
//
// Information Hiding:
// - Table layout and SQL hidden behind typed query methods
// - Timestamp formats and return-window arithmetic hidden in ReturnRequest
// - CSV column mapping and price derivation hidden in ImportCSV
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidInput is returned for blank identifiers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoHistory is returned when recommendations have no history to work from.
	ErrNoHistory = errors.New("no customer history available")
)

// ReturnWindow is how long after purchase a return is accepted.
const ReturnWindow = 30 * 24 * time.Hour

// TimestampLayout is the layout of order_purchase_timestamp values.
const TimestampLayout = "2006-01-02 15:04:05"

// Catalog answers product, order and customer queries.
// Safe for concurrent use.
type Catalog struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the time source used for return eligibility.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithLogger sets the logger used by imports.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// Open opens or creates the catalog database at path.
func Open(path string, opts ...Option) (*Catalog, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return newCatalog(db, opts)
}

// NewInMemory creates an empty in-memory catalog.
func NewInMemory(opts ...Option) (*Catalog, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newCatalog(db, opts)
}

func newCatalog(db *sql.DB, opts []Option) (*Catalog, error) {
	c := &Catalog{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS products (
		product_id TEXT PRIMARY KEY,
		name TEXT,
		price REAL,
		stock_status TEXT,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		customer_id TEXT,
		order_status TEXT,
		order_purchase_timestamp TEXT
	);

	CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		price REAL
	);

	CREATE TABLE IF NOT EXISTS customers (
		customer_id TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id);
	CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);
`

// Product is one catalog entry. Price is nil when no sale price is known.
type Product struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	Price       *float64 `json:"price"`
	StockStatus string   `json:"stock_status"`
	Description string   `json:"description"`
}

// Order is the status view of an order.
type Order struct {
	OrderID           string `json:"order_id"`
	Status            string `json:"status"`
	PurchaseTimestamp string `json:"purchase_timestamp"`
}

// ReturnDecision is the outcome of a return request.
type ReturnDecision struct {
	OrderID  string `json:"order_id"`
	Eligible bool   `json:"eligible"`
	Message  string `json:"message"`
	// Reason is recorded only for accepted returns.
	Reason string `json:"reason_recorded,omitempty"`
}

// HistoryItem is one purchased line in a customer's history.
type HistoryItem struct {
	OrderID   string   `json:"order_id"`
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	ProductID string   `json:"product_id"`
	Price     *float64 `json:"price"`
}

// Recommendation is a product suggested to a customer.
type Recommendation struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	Price       *float64 `json:"price"`
	StockStatus string   `json:"stock_status"`
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
