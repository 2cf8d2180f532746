// Package seed generates demo clinic data: patients with DNI and phone,
// dental treatments and staff accounts.
package seed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
)

type Dataset struct {
	Patients   []appointment.Patient
	Treatments []appointment.Treatment
	Users      []appointment.SystemUser
}

var treatmentCatalog = []appointment.Treatment{
	{Name: "Consulta inicial", DurationMinutes: 30, PriceCents: 1500000},
	{Name: "Limpieza dental", DurationMinutes: 60, PriceCents: 2500000},
	{Name: "Arreglo de caries", DurationMinutes: 60, PriceCents: 3500000},
	{Name: "Tratamiento de conducto", DurationMinutes: 90, PriceCents: 9000000},
	{Name: "Extracción", DurationMinutes: 60, PriceCents: 4000000},
	{Name: "Blanqueamiento", DurationMinutes: 60, PriceCents: 6000000},
	{Name: "Control de ortodoncia", DurationMinutes: 30, PriceCents: 2000000},
	{Name: "Implante", DurationMinutes: 120, PriceCents: 25000000},
}

var staffRoles = []string{"odontologo", "recepcion", "admin"}

// Generate builds a dataset from faker. DNIs are unique within the dataset.
func Generate(faker *gofakeit.Faker, patients, users int) Dataset {
	var ds Dataset

	seen := make(map[string]bool, patients)
	for len(ds.Patients) < patients {
		dni := strconv.Itoa(faker.Number(20000000, 45999999))
		if seen[dni] {
			continue
		}
		seen[dni] = true

		phone := fmt.Sprintf("+54 9 11 %04d-%04d", faker.Number(1000, 9999), faker.Number(0, 9999))
		email := faker.Email()
		ds.Patients = append(ds.Patients, appointment.Patient{
			ID:    uuid.New(),
			DNI:   dni,
			Name:  faker.Name(),
			Phone: &phone,
			Email: &email,
		})
	}

	for _, t := range treatmentCatalog {
		t.ID = uuid.New()
		ds.Treatments = append(ds.Treatments, t)
	}

	for i := 0; i < users; i++ {
		first, last := faker.FirstName(), faker.LastName()
		ds.Users = append(ds.Users, appointment.SystemUser{
			ID:     uuid.New(),
			Name:   first + " " + last,
			Email:  fmt.Sprintf("%s.%s.%d@clinica.test", first, last, i),
			Role:   staffRoles[i%len(staffRoles)],
			Active: true,
		})
	}
	return ds
}

// MemoryStore is the seeding surface of memstore.Store.
type MemoryStore interface {
	AddPatient(p appointment.Patient) appointment.Patient
	AddTreatment(t appointment.Treatment) appointment.Treatment
	AddSystemUser(u appointment.SystemUser) appointment.SystemUser
}

// LoadMemory copies the dataset into an in-memory repository.
func LoadMemory(store MemoryStore, ds Dataset) {
	for _, p := range ds.Patients {
		store.AddPatient(p)
	}
	for _, t := range ds.Treatments {
		store.AddTreatment(t)
	}
	for _, u := range ds.Users {
		store.AddSystemUser(u)
	}
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

const batchSize = 500

// WritePostgres inserts the dataset in batches. Rows whose unique keys
// already exist are skipped so the seeder can run repeatedly.
func WritePostgres(ctx context.Context, db txBeginner, ds Dataset) error {
	if err := inTx(ctx, db, func(tx pgx.Tx) error {
		for _, t := range ds.Treatments {
			if _, err := tx.Exec(ctx, `
				INSERT INTO treatments (id, name, duration_minutes, price_cents)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
			`, t.ID, t.Name, t.DurationMinutes, t.PriceCents); err != nil {
				return fmt.Errorf("insert treatment: %w", err)
			}
		}
		for _, u := range ds.Users {
			if _, err := tx.Exec(ctx, `
				INSERT INTO system_users (id, name, email, role, active)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING
			`, u.ID, u.Name, u.Email, u.Role, u.Active); err != nil {
				return fmt.Errorf("insert system user: %w", err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for offset := 0; offset < len(ds.Patients); offset += batchSize {
		end := min(offset+batchSize, len(ds.Patients))
		batch := ds.Patients[offset:end]
		if err := inTx(ctx, db, func(tx pgx.Tx) error {
			for _, p := range batch {
				if _, err := tx.Exec(ctx, `
					INSERT INTO patients (id, dni, name, phone, email)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT DO NOTHING
				`, p.ID, p.DNI, p.Name, p.Phone, p.Email); err != nil {
					return fmt.Errorf("insert patient: %w", err)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func inTx(ctx context.Context, db txBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
