package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func blank(id string) bool {
	return strings.TrimSpace(id) == ""
}

// ProductInfo returns the product with the given id.
func (c *Catalog) ProductInfo(ctx context.Context, productID string) (Product, error) {
	if blank(productID) {
		return Product{}, fmt.Errorf("%w: product_id is required", ErrInvalidInput)
	}
	var (
		p                 Product
		name, stock, desc sql.NullString
		price             sql.NullFloat64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT product_id, name, price, stock_status, description FROM products WHERE product_id = ?`,
		productID,
	).Scan(&p.ProductID, &name, &price, &stock, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to query product: %w", err)
	}
	p.Name, p.StockStatus, p.Description = name.String, stock.String, desc.String
	p.Price = nullFloat(price)
	return p, nil
}

// OrderStatus returns the status and purchase timestamp of an order.
func (c *Catalog) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	if blank(orderID) {
		return Order{}, fmt.Errorf("%w: order_id is required", ErrInvalidInput)
	}
	var status, ts sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT order_status, order_purchase_timestamp FROM orders WHERE order_id = ?`, orderID,
	).Scan(&status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to query order: %w", err)
	}
	return Order{OrderID: orderID, Status: status.String, PurchaseTimestamp: ts.String}, nil
}

// ReturnRequest decides whether an order is still inside the return window.
// An unparseable purchase timestamp makes the order ineligible.
func (c *Catalog) ReturnRequest(ctx context.Context, orderID, reason string) (ReturnDecision, error) {
	order, err := c.OrderStatus(ctx, orderID)
	if err != nil {
		return ReturnDecision{}, err
	}

	purchased, ok := parsePurchaseTime(order.PurchaseTimestamp)
	if ok && c.now().Sub(purchased) <= ReturnWindow {
		return ReturnDecision{
			OrderID:  orderID,
			Eligible: true,
			Message:  "Return request accepted. Please use the prepaid label for shipping.",
			Reason:   reason,
		}, nil
	}
	return ReturnDecision{
		OrderID: orderID,
		Message: "Order is outside the 30-day return window.",
	}, nil
}

func parsePurchaseTime(s string) (time.Time, bool) {
	for _, layout := range []string{TimestampLayout, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CustomerHistory returns up to limit purchased lines, newest order first.
// A limit <= 0 uses 50. Unknown customers have an empty history.
func (c *Catalog) CustomerHistory(ctx context.Context, customerID string, limit int) ([]HistoryItem, error) {
	if blank(customerID) {
		return nil, fmt.Errorf("%w: customer_id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT o.order_id, o.order_status, o.order_purchase_timestamp, oi.product_id, oi.price
		FROM orders o
		JOIN order_items oi ON o.order_id = oi.order_id
		WHERE o.customer_id = ?
		ORDER BY o.order_purchase_timestamp DESC
		LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []HistoryItem{}
	for rows.Next() {
		var (
			item       HistoryItem
			status, ts sql.NullString
			price      sql.NullFloat64
		)
		if err := rows.Scan(&item.OrderID, &status, &ts, &item.ProductID, &price); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		item.Status, item.Timestamp = status.String, ts.String
		item.Price = nullFloat(price)
		history = append(history, item)
	}
	return history, rows.Err()
}

// Recommend suggests up to limit products the customer has not bought.
// A limit <= 0 uses 5.
func (c *Catalog) Recommend(ctx context.Context, customerID string, limit int) ([]Recommendation, error) {
	if limit <= 0 {
		limit = 5
	}
	history, err := c.CustomerHistory(ctx, customerID, 100)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoHistory, err)
	}

	seen := make(map[string]bool, len(history))
	args := make([]any, 0, len(history)+1)
	for _, h := range history {
		if !seen[h.ProductID] {
			seen[h.ProductID] = true
			args = append(args, h.ProductID)
		}
	}

	query := `SELECT product_id, name, price, stock_status FROM products`
	if len(args) > 0 {
		query += ` WHERE product_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(args)), ",") + `)`
	}
	query += ` ORDER BY rowid LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	recs := []Recommendation{}
	for rows.Next() {
		var (
			r           Recommendation
			name, stock sql.NullString
			price       sql.NullFloat64
		)
		if err := rows.Scan(&r.ProductID, &name, &price, &stock); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		r.Name, r.StockStatus = name.String, stock.String
		r.Price = nullFloat(price)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
