package catalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CSV file names expected by ImportCSV.
const (
	ProductsCSV   = "df_Products.csv"
	OrdersCSV     = "df_Orders.csv"
	OrderItemsCSV = "df_OrderItems.csv"
	CustomersCSV  = "df_Customers.csv"
)

// csvTable is a header-indexed CSV file.
type csvTable struct {
	name  string
	index map[string]int
	rows  [][]string
}

func readCSV(dir, name string, columns ...string) (*csvTable, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", name, err)
	}
	t := &csvTable{name: name, index: make(map[string]int, len(header))}
	for i, h := range header {
		t.index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range columns {
		if _, ok := t.index[col]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", name, col)
		}
	}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func (t *csvTable) get(row []string, col string) string {
	i := t.index[col]
	if i >= len(row) {
		return ""
	}
	return row[i]
}

// ImportCSV replaces the catalog contents with the CSV datasets in dir.
// A product's price is the most frequent sale price of its order items
// (smallest on ties); products never sold have no price.
func (c *Catalog) ImportCSV(ctx context.Context, dir string) error {
	c.logger.Info("loading datasets", "dir", dir)
	products, err := readCSV(dir, ProductsCSV, "product_id", "product_category_name")
	if err != nil {
		return err
	}
	orders, err := readCSV(dir, OrdersCSV, "order_id", "customer_id", "order_status", "order_purchase_timestamp")
	if err != nil {
		return err
	}
	items, err := readCSV(dir, OrderItemsCSV, "order_id", "product_id", "price")
	if err != nil {
		return err
	}
	customers, err := readCSV(dir, CustomersCSV, "customer_id")
	if err != nil {
		return err
	}

	prices := make(map[string][]float64)
	for _, row := range items.rows {
		if v, err := strconv.ParseFloat(strings.TrimSpace(items.get(row, "price")), 64); err == nil {
			id := items.get(row, "product_id")
			prices[id] = append(prices[id], v)
		}
	}

	return c.replace(ctx, func(tx *sql.Tx) error {
		c.logger.Info("processing products", "rows", len(products.rows))
		for _, row := range products.rows {
			id := products.get(row, "product_id")
			category := products.get(row, "product_category_name")
			var price any
			if p, ok := modePrice(prices[id]); ok {
				price = p
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO products (product_id, name, price, stock_status, description) VALUES (?, ?, ?, ?, ?)`,
				id, category, price, "In Stock", describe(category)); err != nil {
				return fmt.Errorf("failed to insert product %s: %w", id, err)
			}
		}

		c.logger.Info("processing orders", "rows", len(orders.rows))
		for _, row := range orders.rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO orders (order_id, customer_id, order_status, order_purchase_timestamp) VALUES (?, ?, ?, ?)`,
				orders.get(row, "order_id"), orders.get(row, "customer_id"),
				orders.get(row, "order_status"), orders.get(row, "order_purchase_timestamp")); err != nil {
				return fmt.Errorf("failed to insert order: %w", err)
			}
		}

		c.logger.Info("processing order items", "rows", len(items.rows))
		for _, row := range items.rows {
			var price any
			if v, err := strconv.ParseFloat(strings.TrimSpace(items.get(row, "price")), 64); err == nil {
				price = v
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, price) VALUES (?, ?, ?)`,
				items.get(row, "order_id"), items.get(row, "product_id"), price); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		c.logger.Info("processing customers", "rows", len(customers.rows))
		for _, row := range customers.rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO customers (customer_id) VALUES (?)`, customers.get(row, "customer_id")); err != nil {
				return fmt.Errorf("failed to insert customer: %w", err)
			}
		}
		return nil
	})
}

// modePrice returns the most frequent value, preferring the smallest on ties.
func modePrice(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	counts := make(map[float64]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	keys := make([]float64, 0, len(counts))
	for v := range counts {
		keys = append(keys, v)
	}
	sort.Float64s(keys)
	best := keys[0]
	for _, v := range keys[1:] {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best, true
}

func describe(category string) string {
	return fmt.Sprintf("A high-quality product in the %s category.", category)
}

// replace clears every table and runs fill in one transaction.
func (c *Catalog) replace(ctx context.Context, fill func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"order_items", "orders", "products", "customers"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := fill(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

type demoOrder struct {
	id, customer, status string
	age                  time.Duration
	items                []string
}

// SeedDemo replaces the catalog with a small dataset whose order dates are
// relative to now, so one order is inside the return window and one outside.
func (c *Catalog) SeedDemo(ctx context.Context) error {
	products := []struct {
		id, category string
		price        float64
	}{
		{"P100", "electronics", 199.99},
		{"P200", "books", 14.50},
		{"P300", "home_appliances", 89.00},
		{"P400", "sports_leisure", 39.90},
		{"P500", "toys", 24.99},
	}
	day := 24 * time.Hour
	orders := []demoOrder{
		{id: "ORD-1001", customer: "user_456", status: "delivered", age: 10 * day, items: []string{"P100"}},
		{id: "ORD-1002", customer: "user_456", status: "delivered", age: 45 * day, items: []string{"P200", "P300"}},
		{id: "ORD-1003", customer: "user_789", status: "shipped", age: 2 * day, items: []string{"P400"}},
	}

	now := c.now()
	return c.replace(ctx, func(tx *sql.Tx) error {
		for _, p := range products {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO products (product_id, name, price, stock_status, description) VALUES (?, ?, ?, ?, ?)`,
				p.id, p.category, p.price, "In Stock", describe(p.category)); err != nil {
				return fmt.Errorf("failed to seed product %s: %w", p.id, err)
			}
		}
		for _, id := range []string{"user_456", "user_789"} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO customers (customer_id) VALUES (?)`, id); err != nil {
				return fmt.Errorf("failed to seed customer %s: %w", id, err)
			}
		}
		for _, o := range orders {
			ts := now.Add(-o.age).In(time.Local).Format(TimestampLayout)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO orders (order_id, customer_id, order_status, order_purchase_timestamp) VALUES (?, ?, ?, ?)`,
				o.id, o.customer, o.status, ts); err != nil {
				return fmt.Errorf("failed to seed order %s: %w", o.id, err)
			}
			for _, pid := range o.items {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO order_items (order_id, product_id, price) SELECT ?, product_id, price FROM products WHERE product_id = ?`,
					o.id, pid); err != nil {
					return fmt.Errorf("failed to seed item %s/%s: %w", o.id, pid, err)
				}
			}
		}
		c.logger.Info("seeded demo catalog", "products", len(products), "orders", len(orders))
		return nil
	})
}
