package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

// The simulator drives a running api-server with concurrent, deliberately
// colliding bookings and then checks the database for double bookings.

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	RescheduleRatio float64
	CancelRatio     float64
	ReadRatio       float64
	Days            int // bookings fall within the next Days days
	OrganizationID  uuid.UUID
	PatientLimit    int
	ClinicianLimit  int
	PostgresDSN     string
	ClinicTimezone  *time.Location
}

type DataPool struct {
	Patients   []uuid.UUID
	Clinicians []uuid.UUID
	Rooms      []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID // created appointment IDs
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	if len(latencies) > 0 {
		p50Idx := len(latencies) * 50 / 100
		if p50Idx >= len(latencies) {
			p50Idx = len(latencies) - 1
		}
		p50 = latencies[p50Idx]

		p95Idx := len(latencies) * 95 / 100
		if p95Idx >= len(latencies) {
			p95Idx = len(latencies) - 1
		}
		p95 = latencies[p95Idx]
	}

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking          OperationMetrics
	Reschedule       OperationMetrics
	Cancel           OperationMetrics
	ReadByID         OperationMetrics
	RoomAvailability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	log, err := logger.New(getEnv("LOG_LEVEL", "info"), "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("reschedule", cfg.RescheduleRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, db.PoolConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	if cfg.OrganizationID == uuid.Nil {
		if err := pgPool.QueryRow(ctx, `SELECT id FROM organizations ORDER BY created_at LIMIT 1`).Scan(&cfg.OrganizationID); err != nil {
			log.Fatal("no organization found, run seed first", zap.Error(err))
		}
	}

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}

	log.Info("data loaded",
		zap.String("organization_id", cfg.OrganizationID.String()),
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("clinicians", len(dataPool.Clinicians)),
		zap.Int("rooms", len(dataPool.Rooms)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool, cfg.OrganizationID)
	if err != nil {
		log.Fatal("verify bookings", zap.Error(err))
	}
	fmt.Printf("Overlapping active bookings: %d\n", overlaps)
	if overlaps > 0 {
		os.Exit(2)
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.05),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		Days:            getInt("SIM_DAYS", 3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		ClinicianLimit:  getInt("SIM_CLINICIAN_LIMIT", 5),
		PostgresDSN:     baseCfg.PostgresDSN,
		ClinicTimezone:  baseCfg.Location(),
	}

	if raw := os.Getenv("SIM_ORGANIZATION_ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return SimConfig{}, fmt.Errorf("SIM_ORGANIZATION_ID: %w", err)
		}
		cfg.OrganizationID = id
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	switch {
	case cfg.Workers <= 0:
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	case cfg.Days <= 0:
		return SimConfig{}, fmt.Errorf("SIM_DAYS must be > 0")
	}
	return cfg, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}
	var err error

	dataPool.Patients, err = loadIDs(ctx, pool, `
		SELECT id FROM patients WHERE organization_id = $1 LIMIT $2
	`, cfg.OrganizationID, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	// Few clinicians on purpose: it keeps the collision rate high.
	dataPool.Clinicians, err = loadIDs(ctx, pool, `
		SELECT id FROM clinicians WHERE organization_id = $1 LIMIT $2
	`, cfg.OrganizationID, cfg.ClinicianLimit)
	if err != nil {
		return nil, fmt.Errorf("load clinicians: %w", err)
	}

	dataPool.Rooms, err = loadIDs(ctx, pool, `
		SELECT id FROM exam_rooms WHERE organization_id = $1 AND is_active
	`, cfg.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Clinicians) == 0 {
		return nil, fmt.Errorf("no clinicians loaded")
	}

	return dataPool, nil
}

// countOverlaps looks for any two active appointments sharing a clinician
// or a room with intersecting intervals.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool, orgID uuid.UUID) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.id < b.id
		 AND a.organization_id = b.organization_id
		 AND (a.clinician_id = b.clinician_id OR a.exam_room_id = b.exam_room_id)
		 AND a.starts_at < b.ends_at
		 AND b.starts_at < a.ends_at
		WHERE a.organization_id = $1
		  AND a.status IN ('scheduled', 'in_progress')
		  AND b.status IN ('scheduled', 'in_progress')
	`, orgID).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.RescheduleRatio:
				s.doReschedule(ctx, rng)
			case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doRoomAvailability(ctx, rng)
				}
			}
		}
	}
}

// randomSlot picks a start on a 15 minute grid between 08:00 and 17:00 in
// the clinic time zone, starting tomorrow.
func (s *Simulator) randomSlot(rng *rand.Rand) (date, clock string) {
	day := time.Now().In(s.config.ClinicTimezone).AddDate(0, 0, 1+rng.Intn(s.config.Days))
	minutes := 8*60 + rng.Intn(36)*15
	return day.Format("2006-01-02"), fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func (s *Simulator) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", s.config.OrganizationID.String())

	return s.client.Do(req)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	date, clock := s.randomSlot(rng)
	reqBody := map[string]any{
		"patient_id":       s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		"clinician_id":     s.pool.Clinicians[rng.Intn(len(s.pool.Clinicians))].String(),
		"date":             date,
		"time":             clock,
		"duration_minutes": 15 * (1 + rng.Intn(4)),
		"category":         []string{"routine", "follow_up", "consultation", "emergency"}[rng.Intn(4)],
	}
	if len(s.pool.Rooms) > 0 && rng.Intn(2) == 0 {
		reqBody["exam_room_id"] = s.pool.Rooms[rng.Intn(len(s.pool.Rooms))].String()
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments", reqBody)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var apptResp struct {
				ID uuid.UUID `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&apptResp); err == nil && apptResp.ID != uuid.Nil {
				s.pool.AddAppointment(apptResp.ID)
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	date, clock := s.randomSlot(rng)
	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments/"+apptID.String()+"/reschedule", map[string]any{
		"date": date,
		"time": clock,
	})
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}

	s.metrics.Reschedule.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", map[string]string{
		"reason": "simulated cancellation",
	})
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		// Cancelling twice is an expected invalid transition.
		conflict = resp.StatusCode == http.StatusConflict
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, "/appointments/"+apptID.String(), nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) doRoomAvailability(ctx context.Context, rng *rand.Rand) {
	date, clock := s.randomSlot(rng)
	path := fmt.Sprintf("/rooms/availability?start=%sT%s&end=%sT18:00", date, clock, date)

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, path, nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.RoomAvailability.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Room availability", &s.metrics.RoomAvailability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
