package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/db"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// SimConfig drives a load run against a live api-server.
type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	RPS          float64 // 0 means unlimited
	HorizonDays  int
	BookingRatio float64
	StatusRatio  float64
	ReadRatio    float64
	PatientLimit int
	PostgresDSN  string
	Clinic       config.ClinicConfig
}

type DataPool struct {
	Patients   []uuid.UUID
	Treatments []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	dp.appointments = append(dp.appointments, id)
	dp.mu.Unlock()
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.IntN(len(dp.appointments))], true
}

type Metrics struct {
	Booking       OperationMetrics
	StatusChange  OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	FreeSlots     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics Metrics
	started time.Time
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(baseCfg.LogLevel)

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator starting",
		"duration", cfg.Duration, "workers", cfg.Workers, "rps", cfg.RPS,
		"booking", cfg.BookingRatio, "status", cfg.StatusRatio, "read", cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("simulate"), db.WithMaxConns(2))
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	logger.Info("data loaded", "patients", len(dataPool.Patients), "treatments", len(dataPool.Treatments))

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	sim := &Simulator{
		config:  cfg,
		pool:    dataPool,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  logger,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool, sim.started)
	if err != nil {
		logger.Error("overlap audit failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Overlapping active appointments created during the run: %d\n", overlaps)
	if overlaps > 0 {
		os.Exit(2)
	}
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		RPS:          getFloat("SIM_RPS", 0),
		HorizonDays:  getInt("SIM_HORIZON_DAYS", 5),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		StatusRatio:  getFloat("SIM_STATUS_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:  base.PostgresDSN,
		Clinic:       base.Clinic,
	}

	total := cfg.BookingRatio + cfg.StatusRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.StatusRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.HorizonDays <= 0 {
		return errors.New("SIM_HORIZON_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	var err error
	dp.Patients, err = loadIDs(ctx, pool, `SELECT id FROM patients ORDER BY dni LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	dp.Treatments, err = loadIDs(ctx, pool, `SELECT id FROM treatments LIMIT $1`, 100)
	if err != nil {
		return nil, fmt.Errorf("load treatments: %w", err)
	}

	if len(dp.Patients) == 0 {
		return nil, errors.New("no patients loaded, run the seed command first")
	}
	if len(dp.Treatments) == 0 {
		return nil, errors.New("no treatments loaded, run the seed command first")
	}
	return dp, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
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

// countOverlaps audits the agenda: pairs of non-cancelled appointments whose
// intervals intersect. Any hit means the conflict guard failed.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool, since time.Time) (int, error) {
	cancelled := make([]string, 0, 2)
	for _, st := range appointment.CancelledStatuses() {
		cancelled = append(cancelled, string(st))
	}

	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b ON a.id < b.id
			AND a.start_at < b.end_at AND b.start_at < a.end_at
		WHERE a.status <> ALL($1) AND b.status <> ALL($1)
			AND (a.created_at >= $2 OR b.created_at >= $2)
	`, cancelled, since).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.started = time.Now()
	s.logger.Info("simulation running", "duration", s.config.Duration, "workers", s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.StatusRatio:
			s.doStatusChange(ctx, rng)
		default:
			switch rng.IntN(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			default:
				s.doFreeSlots(ctx, rng)
			}
		}
	}
}

// pickSlot maps n onto a one hour slot within opening hours on one of the
// next days days after from.
func pickSlot(from time.Time, days, openHour, closeHour int, loc *time.Location, n int) (time.Time, time.Time) {
	hours := closeHour - openHour
	local := from.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1+n%days)
	start := day.Add(time.Duration(openHour+(n/days)%hours) * time.Hour)
	return start, start.Add(time.Hour)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	c := s.config.Clinic
	start, end := pickSlot(time.Now(), s.config.HorizonDays, c.OpenHour, c.CloseHour, c.Location, rng.IntN(1<<20))

	body := map[string]any{
		"paciente_id":       s.pool.Patients[rng.IntN(len(s.pool.Patients))],
		"tratamiento_id":    s.pool.Treatments[rng.IntN(len(s.pool.Treatments))],
		"fecha_hora_inicio": start,
		"fecha_hora_fin":    end,
	}

	var created struct {
		Turno struct {
			ID uuid.UUID `json:"id"`
		} `json:"turno"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/api/turnos", body, &created)
	if err == nil && status == http.StatusCreated && created.Turno.ID != uuid.Nil {
		s.pool.AddAppointment(created.Turno.ID)
	}
	s.metrics.Booking.Record(latency, status, err)
}

var simulatedStatuses = []appointment.Status{
	appointment.StatusConfirmed,
	appointment.StatusConfirmed,
	appointment.StatusAttended,
	appointment.StatusCancelledByPatient,
}

func (s *Simulator) doStatusChange(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	body := map[string]any{
		"estado": simulatedStatuses[rng.IntN(len(simulatedStatuses))],
		"motivo": "load simulation",
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/api/turnos/"+id.String()+"/estado", body, nil)
	s.metrics.StatusChange.Record(latency, status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodGet, "/api/turnos/"+id.String(), nil, nil)
	s.metrics.ReadByID.Record(latency, status, err)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	q := url.Values{}
	q.Set("paciente_id", s.pool.Patients[rng.IntN(len(s.pool.Patients))].String())
	q.Set("limit", "20")
	status, latency, err := s.call(ctx, http.MethodGet, "/api/turnos?"+q.Encode(), nil, nil)
	s.metrics.ListByPatient.Record(latency, status, err)
}

func (s *Simulator) doFreeSlots(ctx context.Context, rng *rand.Rand) {
	c := s.config.Clinic
	day, _ := pickSlot(time.Now(), s.config.HorizonDays, c.OpenHour, c.CloseHour, c.Location, rng.IntN(s.config.HorizonDays))
	status, latency, err := s.call(ctx, http.MethodGet, "/api/turnos/available-slots?fecha="+day.Format(time.DateOnly), nil, nil)
	s.metrics.FreeSlots.Record(latency, status, err)
}

// call sends one request and decodes a 2xx body into out when given.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + rule())
	fmt.Println("SIMULATION REPORT")
	fmt.Println(rule())
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Status change", &s.metrics.StatusChange)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by patient", &s.metrics.ListByPatient)
	printOperationReport("Available slots", &s.metrics.FreeSlots)
}

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
