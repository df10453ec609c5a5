package tally

import (
	"context"
	"strings"
)

// CustomerRepo stores customers.
type CustomerRepo struct {
	*table[Customer, *Customer]
}

func newCustomerRepo(s *Store) *CustomerRepo {
	return &CustomerRepo{&table[Customer, *Customer]{
		s:       s,
		name:    "customers",
		columns: []string{"customer_name", "phone_number", "whatsapp_number", "address", "created_by"},
		values: func(c *Customer) []any {
			return []any{c.Name, c.Phone, c.WhatsApp, c.Address, c.CreatedBy}
		},
		dests: func(c *Customer) []any {
			return []any{text(&c.Name), text(&c.Phone), text(&c.WhatsApp), text(&c.Address), text(&c.CreatedBy)}
		},
		order: "updated_at DESC",
	}}
}

// CustomerPatch holds the customer fields to change. Nil fields are kept.
type CustomerPatch struct {
	Name     *string
	Phone    *string
	WhatsApp *string
	Address  *string
}

// MarkPendingUpdate applies p to the customer and records a pending update.
func (r *CustomerRepo) MarkPendingUpdate(ctx context.Context, id string, p CustomerPatch) error {
	var sets []assign
	sets = set(sets, "customer_name", p.Name)
	sets = set(sets, "phone_number", p.Phone)
	sets = set(sets, "whatsapp_number", p.WhatsApp)
	sets = set(sets, "address", p.Address)
	return r.markPendingUpdate(ctx, id, sets)
}

// Search returns customers whose name or phone number contains query.
func (r *CustomerRepo) Search(ctx context.Context, query string, limit int) ([]Customer, error) {
	limit, _ = pageArgs(limit, 0)
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var out []Customer
	err := r.s.read(func(q querier) error {
		var err error
		out, err = r.queryRows(ctx, q, `WHERE deleted = 0
			AND (LOWER(customer_name) LIKE ? OR phone_number LIKE ? OR whatsapp_number LIKE ?)
			ORDER BY customer_name ASC LIMIT ?`, pattern, pattern, pattern, limit)
		return err
	})
	return out, err
}
