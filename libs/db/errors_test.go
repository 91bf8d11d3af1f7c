package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestErrorClassifiers(t *testing.T) {
	overlap := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23P01"})
	dup := &pgconn.PgError{Code: "23505"}

	if !IsExclusionViolation(overlap) {
		t.Fatal("expected wrapped 23P01 to be an exclusion violation")
	}
	if IsExclusionViolation(dup) {
		t.Fatal("23505 is not an exclusion violation")
	}
	if !IsUniqueViolation(dup) {
		t.Fatal("expected 23505 to be a unique violation")
	}
	if !IsNoRows(fmt.Errorf("load: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatal("plain error is not ErrNoRows")
	}
}
