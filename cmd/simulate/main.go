package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	ConfirmRatio  float64
	SessionRatio  float64
	ReadRatio     float64
	Patients      int
	DaysAhead     int
	JWTSecret     string
	PostgresDSN   string
	Practitioners []uuid.UUID
}

type booked struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	PractitionerID uuid.UUID
}

type DataPool struct {
	Patients      []uuid.UUID
	Practitioners []uuid.UUID

	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
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

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
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
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking      OperationMetrics
	Confirm      OperationMetrics
	Session      OperationMetrics
	ReadByID     OperationMetrics
	List         OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *logging.Logger
	metrics Metrics

	tokenMu sync.Mutex
	tokens  map[identity.Actor]string
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logging.Default().Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "simulate")

	logger.Info("simulator starting",
		"duration", cfg.Duration.String(),
		"workers", cfg.Workers,
		"booking", cfg.BookingRatio,
		"confirm", cfg.ConfirmRatio,
		"session", cfg.SessionRatio,
		"read", cfg.ReadRatio,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dataPool, err := loadDataPool(ctx, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	logger.Info("data pool loaded", "patients", len(dataPool.Patients), "practitioners", len(dataPool.Practitioners))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		tokens: make(map[identity.Actor]string),
	}

	if err := sim.Run(context.Background()); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.4),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.15),
		SessionRatio: getFloat("SIM_SESSION_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.35),
		Patients:     getInt("SIM_PATIENTS", 500),
		DaysAhead:    getInt("SIM_DAYS_AHEAD", 7),
		JWTSecret:    baseCfg.JWTSecret,
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	for _, raw := range strings.Split(os.Getenv("SIM_PRACTITIONER_IDS"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return SimConfig{}, fmt.Errorf("SIM_PRACTITIONER_IDS: %w", err)
		}
		cfg.Practitioners = append(cfg.Practitioners, id)
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.SessionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.SessionRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.Workers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if len(cfg.Practitioners) == 0 && cfg.PostgresDSN == "" {
		return SimConfig{}, fmt.Errorf("set SIM_PRACTITIONER_IDS or POSTGRES_DSN")
	}
	return cfg, nil
}

// loadDataPool takes approved practitioners from Postgres unless they were
// given explicitly. Patients are synthetic: the API trusts the token subject.
func loadDataPool(ctx context.Context, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{Practitioners: cfg.Practitioners}
	for i := 0; i < cfg.Patients; i++ {
		dataPool.Patients = append(dataPool.Patients, uuid.New())
	}

	if len(dataPool.Practitioners) == 0 {
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if dataPool.Practitioners, err = approvedPractitioners(ctx, pool); err != nil {
			return nil, err
		}
	}

	if len(dataPool.Practitioners) == 0 {
		return nil, fmt.Errorf("no approved practitioners found, run cmd/seed first")
	}
	return dataPool, nil
}

func approvedPractitioners(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM practitioners WHERE approval_status = 'approved' LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("load practitioners: %w", err)
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

func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration.String(), "workers", s.config.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio+s.config.SessionRatio:
			s.doSession(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doList(ctx, rng)
			case 2:
				s.doAvailability(ctx, rng)
			}
		}
	}
}

func (s *Simulator) token(actor identity.Actor) string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if t, ok := s.tokens[actor]; ok {
		return t
	}
	t, err := identity.IssueToken(s.config.JWTSecret, actor, s.config.Duration+time.Hour)
	if err != nil {
		s.logger.Error("issue token", "error", err)
		return ""
	}
	s.tokens[actor] = t
	return t
}

// call performs one request and returns the status, 0 on transport errors.
func (s *Simulator) call(ctx context.Context, actor identity.Actor, method, path string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token(actor))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (s *Simulator) patient(rng *rand.Rand) identity.Actor {
	return identity.Actor{SubjectID: s.pool.Patients[rng.Intn(len(s.pool.Patients))], Role: identity.RolePatient}
}

func practitioner(id uuid.UUID) identity.Actor {
	return identity.Actor{SubjectID: id, Role: identity.RolePractitioner}
}

func (s *Simulator) randomDate(rng *rand.Rand) string {
	return time.Now().AddDate(0, 0, 1+rng.Intn(s.config.DaysAhead)).Format("2006-01-02")
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	actor := s.patient(rng)
	practitionerID := s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))]

	// 30 minute slots between 09:00 and 17:00, so collisions are common.
	startMin := 9*60 + 30*rng.Intn(16)
	body := map[string]string{
		"practitioner_id":   practitionerID.String(),
		"date":              s.randomDate(rng),
		"start_time":        fmt.Sprintf("%02d:%02d", startMin/60, startMin%60),
		"end_time":          fmt.Sprintf("%02d:%02d", (startMin+30)/60, (startMin+30)%60),
		"consultation_kind": "video",
	}

	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status := s.call(ctx, actor, http.MethodPost, "/appointments", body, &resp)
	s.metrics.Booking.Record(time.Since(start), status)

	if status == http.StatusCreated && resp.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: resp.ID, PatientID: actor.SubjectID, PractitionerID: practitionerID})
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status := s.call(ctx, practitioner(b.PractitionerID), http.MethodPost, "/appointments/"+b.ID.String()+"/confirm", nil, nil)
	s.metrics.Confirm.Record(time.Since(start), status)
}

func (s *Simulator) doSession(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	doctor := practitioner(b.PractitionerID)

	var c struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status := s.call(ctx, doctor, http.MethodPost, "/consultations/start", map[string]string{"appointment_id": b.ID.String()}, &c)
	if status == http.StatusCreated {
		status = s.call(ctx, doctor, http.MethodPost, "/consultations/"+c.ID.String()+"/end", map[string]string{"session_notes": "simulated"}, nil)
	}
	s.metrics.Session.Record(time.Since(start), status)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status := s.call(ctx, identity.Actor{SubjectID: b.PatientID, Role: identity.RolePatient}, http.MethodGet, "/appointments/"+b.ID.String(), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), status)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	start := time.Now()
	status := s.call(ctx, s.patient(rng), http.MethodGet, "/appointments?limit=20&offset=0", nil, nil)
	s.metrics.List.Record(time.Since(start), status)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	practitionerID := s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))]
	path := fmt.Sprintf("/practitioners/%s/availability?date=%s", practitionerID, s.randomDate(rng))

	start := time.Now()
	status := s.call(ctx, s.patient(rng), http.MethodGet, path, nil, nil)
	s.metrics.Availability.Record(time.Since(start), status)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Session start+end", &s.metrics.Session)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List", &s.metrics.List)
	printOperationReport("Availability", &s.metrics.Availability)
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
