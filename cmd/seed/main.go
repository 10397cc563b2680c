package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

type seedCounts struct {
	Organizations int
	Clinicians    int // per organization
	Patients      int // per organization
	Rooms         int // per organization
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	counts := seedCounts{
		Organizations: getInt("SEED_ORGANIZATIONS", 2),
		Clinicians:    getInt("SEED_CLINICIANS", 25),
		Patients:      getInt("SEED_PATIENTS", 2000),
		Rooms:         getInt("SEED_ROOMS", 12),
	}
	log.Info("seed starting",
		zap.Int("organizations", counts.Organizations),
		zap.Int("clinicians", counts.Clinicians),
		zap.Int("patients", counts.Patients),
		zap.Int("rooms", counts.Rooms),
	)

	ctx := context.Background()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connectCtx, db.PoolConfig{DSN: cfg.PostgresDSN})
	cancel()
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	for i := 0; i < counts.Organizations; i++ {
		orgID, err := seedOrganization(ctx, pool, counts)
		if err != nil {
			log.Fatal("seed organization", zap.Error(err))
		}
		log.Info("organization seeded", zap.String("organization_id", orgID.String()))
	}

	log.Info("seed complete")
}

func seedOrganization(ctx context.Context, pool *pgxpool.Pool, counts seedCounts) (uuid.UUID, error) {
	orgID := uuid.New()
	name := gofakeit.Company() + " Clinic"

	if _, err := pool.Exec(ctx, `
		INSERT INTO organizations (id, name, created_at, updated_at)
		VALUES ($1, $2, now(), now())
	`, orgID, name); err != nil {
		return uuid.Nil, fmt.Errorf("insert organization: %w", err)
	}

	if err := seedClinicians(ctx, pool, orgID, counts.Clinicians); err != nil {
		return uuid.Nil, fmt.Errorf("seed clinicians: %w", err)
	}
	if err := seedRooms(ctx, pool, orgID, counts.Rooms); err != nil {
		return uuid.Nil, fmt.Errorf("seed rooms: %w", err)
	}
	if err := seedPatients(ctx, pool, orgID, counts.Patients); err != nil {
		return uuid.Nil, fmt.Errorf("seed patients: %w", err)
	}
	return orgID, nil
}

func seedClinicians(ctx context.Context, pool *pgxpool.Pool, orgID uuid.UUID, count int) error {
	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			spec := specialties[gofakeit.Number(0, len(specialties)-1)]
			_, err := tx.Exec(ctx, `
				INSERT INTO clinicians (id, organization_id, name, specialty, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), orgID, "Dr. "+gofakeit.Name(), spec)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func seedRooms(ctx context.Context, pool *pgxpool.Pool, orgID uuid.UUID, count int) error {
	equipment := []string{"ecg", "ultrasound", "otoscope", "exam_table", "defibrillator", "spirometer"}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			floor := strconv.Itoa(i/5 + 1)
			kit := []string{"exam_table"}
			for _, e := range equipment {
				if gofakeit.Bool() && e != "exam_table" {
					kit = append(kit, e)
				}
			}
			// Roughly one room in ten is out of service.
			active := gofakeit.Number(1, 10) > 1

			_, err := tx.Exec(ctx, `
				INSERT INTO exam_rooms (id, organization_id, room_number, name, is_active, capacity, equipment, floor, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 1, $6, $7, now(), now())
			`, uuid.New(), orgID, fmt.Sprintf("%s%02d", floor, i%5+1), "Exam Room "+strconv.Itoa(i+1), active, kit, floor)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, orgID uuid.UUID, count int) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO patients (id, organization_id, name, email, created_at, updated_at)
					VALUES ($1, $2, $3, $4, now(), now())
				`, uuid.New(), orgID, gofakeit.Name(), gofakeit.Email())
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
