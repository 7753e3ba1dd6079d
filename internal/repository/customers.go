package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var ErrCustomerNotFound = errors.New("customer not found")

// CustomerRepo exposes the pricing profile the orchestrators need. Customer
// CRUD lives in the upstream API service; this repo only reads.
type CustomerRepo struct {
	db *pgxpool.Pool
}

func NewCustomerRepo(db *pgxpool.Pool) *CustomerRepo {
	return &CustomerRepo{db: db}
}

func (r *CustomerRepo) GetProfile(ctx context.Context, customerID uuid.UUID) (*model.CustomerProfile, error) {
	var p model.CustomerProfile
	err := r.db.QueryRow(ctx,
		`SELECT id, spread_multiplier, affiliate_id FROM customers WHERE id = $1`,
		customerID,
	).Scan(&p.CustomerID, &p.SpreadMultiplier, &p.AffiliateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &p, nil
}
