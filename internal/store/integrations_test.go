package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSetPrimaryDemotesThenPromotes(t *testing.T) {
	tx := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile(`SET is_primary=FALSE`), args: []any{int64(10), int64(3)}},
		{expect: regexp.MustCompile(`SET is_primary=TRUE`), args: []any{int64(3), int64(10)}},
	}}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}

	repo := &IntegrationRepo{pool: pool}
	if err := repo.SetPrimary(context.Background(), 10, 3); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Error("expected commit")
	}
}

func TestSetPrimaryUniqueViolationIsBenign(t *testing.T) {
	uniqueErr := &pgconn.PgError{Code: "23505"}
	tx := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile(`SET is_primary=FALSE`)},
		{expect: regexp.MustCompile(`SET is_primary=TRUE`), err: uniqueErr},
	}}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}

	repo := &IntegrationRepo{pool: pool}
	if err := repo.SetPrimary(context.Background(), 10, 3); err != nil {
		t.Fatalf("concurrent promotion should be benign, got: %v", err)
	}
	if tx.committed {
		t.Error("losing side must not commit")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Error("plain errors are not unique violations")
	}
}
