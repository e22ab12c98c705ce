package workers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRefillYearlyAppliesAllotmentPerPlan(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT plan_name`).
		WillReturnRows(sqlmock.NewRows([]string{"plan_name"}).AddRow("starter").AddRow("pro"))
	mock.ExpectExec(`UPDATE public\.users`).
		WithArgs("starter", 120, 600).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE public\.users`).
		WithArgs("pro", 480, 2400).
		WillReturnResult(sqlmock.NewResult(0, 2))

	w := &QuotaRefiller{
		DB: db,
		YearlyAllotment: func(plan string) (int, int, bool) {
			switch plan {
			case "starter":
				return 120, 600, true
			case "pro":
				return 480, 2400, true
			}
			return 0, 0, false
		},
	}

	n, err := w.RefillYearly(context.Background())
	if err != nil {
		t.Fatalf("RefillYearly: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 users refilled, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefillYearlySkipsUnknownPlan(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT plan_name`).
		WillReturnRows(sqlmock.NewRows([]string{"plan_name"}).AddRow("legacy"))

	w := &QuotaRefiller{
		DB:              db,
		YearlyAllotment: func(string) (int, int, bool) { return 0, 0, false },
	}

	n, err := w.RefillYearly(context.Background())
	if err != nil {
		t.Fatalf("RefillYearly: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no refills, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
