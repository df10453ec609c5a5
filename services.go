package tally

import (
	"context"

	"github.com/shopspring/decimal"
)

// ServiceRepo stores billable services.
type ServiceRepo struct {
	*table[Service, *Service]
}

func newServiceRepo(s *Store) *ServiceRepo {
	return &ServiceRepo{&table[Service, *Service]{
		s:       s,
		name:    "services",
		columns: []string{"service_name", "service_price", "created_by"},
		values: func(v *Service) []any {
			return []any{v.Name, moneyValue(v.Price), v.CreatedBy}
		},
		dests: func(v *Service) []any {
			return []any{text(&v.Name), money(&v.Price), text(&v.CreatedBy)}
		},
		order: "updated_at DESC",
	}}
}

type ServicePatch struct {
	Name  *string
	Price *decimal.Decimal
}

func (r *ServiceRepo) MarkPendingUpdate(ctx context.Context, id string, p ServicePatch) error {
	var sets []assign
	sets = set(sets, "service_name", p.Name)
	sets = set(sets, "service_price", p.Price)
	return r.markPendingUpdate(ctx, id, sets)
}
