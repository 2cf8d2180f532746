package seed

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment/memstore"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
)

func TestGenerate(t *testing.T) {
	ds := Generate(gofakeit.New(42), 50, 4)

	require.Len(t, ds.Patients, 50)
	require.Len(t, ds.Treatments, len(treatmentCatalog))
	require.Len(t, ds.Users, 4)

	dnis := make(map[string]bool)
	for _, p := range ds.Patients {
		assert.False(t, dnis[p.DNI], "duplicate dni %s", p.DNI)
		dnis[p.DNI] = true

		require.NotNil(t, p.Phone)
		_, err := notify.NormalizePhone(*p.Phone)
		assert.NoError(t, err, "phone %q", *p.Phone)
	}
	for _, tr := range ds.Treatments {
		assert.Positive(t, tr.DurationMinutes)
		assert.Positive(t, tr.PriceCents)
	}
	for _, u := range ds.Users {
		assert.True(t, u.Active)
		assert.Contains(t, staffRoles, u.Role)
	}
}

func TestLoadMemory(t *testing.T) {
	store := memstore.New()
	ds := Generate(gofakeit.New(7), 3, 1)

	LoadMemory(store, ds)

	assert.Len(t, store.Patients(), 3)
}

func TestWritePostgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ds := Generate(gofakeit.New(1), 2, 1)
	ds.Treatments = ds.Treatments[:1]

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO treatments").
		WithArgs(ds.Treatments[0].ID, ds.Treatments[0].Name, ds.Treatments[0].DurationMinutes, ds.Treatments[0].PriceCents).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO system_users").
		WithArgs(ds.Users[0].ID, ds.Users[0].Name, ds.Users[0].Email, ds.Users[0].Role, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	for _, p := range ds.Patients {
		mock.ExpectExec("INSERT INTO patients").
			WithArgs(p.ID, p.DNI, p.Name, p.Phone, p.Email).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, WritePostgres(context.Background(), mock, ds))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePostgresRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ds := Generate(gofakeit.New(1), 1, 0)
	ds.Treatments = ds.Treatments[:1]

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO treatments").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = WritePostgres(context.Background(), mock, ds)
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
