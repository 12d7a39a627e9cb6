package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/godrive/internal/models"
)

const uniqueViolation = "23505"

const lessonColumns = `id, student_id, instructor_id, scheduled_at, price, status,
	pickup_latitude, pickup_longitude, payment_intent_id, created_at, updated_at`

const (
	insertLessonQuery = `INSERT INTO lessons (student_id, instructor_id, scheduled_at, price, status,
	pickup_latitude, pickup_longitude, payment_intent_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`
	getLessonQuery                = `SELECT ` + lessonColumns + ` FROM lessons WHERE id = $1`
	lessonsByStudentQuery         = `SELECT ` + lessonColumns + ` FROM lessons WHERE student_id = $1 ORDER BY scheduled_at, id`
	lessonsByInstructorQuery      = `SELECT ` + lessonColumns + ` FROM lessons WHERE instructor_id = $1 ORDER BY scheduled_at, id`
	lessonsByInstructorRangeQuery = `SELECT ` + lessonColumns + ` FROM lessons
WHERE instructor_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
ORDER BY scheduled_at, id`
	updateStatusQuery = `UPDATE lessons SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	setIntentQuery    = `UPDATE lessons SET payment_intent_id = $1, updated_at = $2 WHERE id = $3 AND status = 'pending'`

	getInstructorQuery = `SELECT id, full_name, hourly_rate, status, latitude, longitude, stripe_account_id
FROM instructors WHERE id = $1`

	rulesByInstructorQuery = `SELECT id, instructor_id, day_of_week, start_minute, end_minute
FROM availability_rules WHERE instructor_id = $1 ORDER BY day_of_week, start_minute`
	insertRuleQuery = `INSERT INTO availability_rules (instructor_id, day_of_week, start_minute, end_minute)
VALUES ($1, $2, $3, $4) RETURNING id`
)

// PostgresStore implements RideStore, InstructorStore and AvailabilityStore on Postgres.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects with the lib/pq driver and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Rides() RideStore                { return (*pgRides)(p) }
func (p *PostgresStore) Instructors() InstructorStore    { return (*pgInstructors)(p) }
func (p *PostgresStore) Availability() AvailabilityStore { return (*pgAvailability)(p) }

type lessonRow struct {
	ID              int64           `db:"id"`
	StudentID       int64           `db:"student_id"`
	InstructorID    int64           `db:"instructor_id"`
	ScheduledAt     time.Time       `db:"scheduled_at"`
	Price           float64         `db:"price"`
	Status          string          `db:"status"`
	PickupLat       sql.NullFloat64 `db:"pickup_latitude"`
	PickupLon       sql.NullFloat64 `db:"pickup_longitude"`
	PaymentIntentID string          `db:"payment_intent_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r lessonRow) toModel() models.Lesson {
	l := models.Lesson{
		ID:              r.ID,
		StudentID:       r.StudentID,
		InstructorID:    r.InstructorID,
		ScheduledAt:     r.ScheduledAt.UTC(),
		Price:           r.Price,
		Status:          models.LessonStatus(r.Status),
		PaymentIntentID: r.PaymentIntentID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.PickupLat.Valid && r.PickupLon.Valid {
		l.Pickup = &models.Coord{Lat: r.PickupLat.Float64, Lon: r.PickupLon.Float64}
	}
	return l
}

type pgRides PostgresStore

func (s *pgRides) Create(ctx context.Context, l *models.Lesson) error {
	var lat, lon sql.NullFloat64
	if l.Pickup != nil {
		lat = sql.NullFloat64{Float64: l.Pickup.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: l.Pickup.Lon, Valid: true}
	}
	err := s.db.QueryRowxContext(ctx, insertLessonQuery,
		l.StudentID, l.InstructorID, l.ScheduledAt.UTC(), l.Price, string(l.Status),
		lat, lon, l.PaymentIntentID, l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert lesson: %w", err)
	}
	return nil
}

func (s *pgRides) GetByID(ctx context.Context, id int64) (*models.Lesson, error) {
	var row lessonRow
	if err := s.db.GetContext(ctx, &row, getLessonQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lesson %d: %w", id, err)
	}
	l := row.toModel()
	return &l, nil
}

func (s *pgRides) GetByStudent(ctx context.Context, studentID int64) ([]models.Lesson, error) {
	return s.list(ctx, lessonsByStudentQuery, studentID)
}

func (s *pgRides) GetByInstructor(ctx context.Context, instructorID int64) ([]models.Lesson, error) {
	return s.list(ctx, lessonsByInstructorQuery, instructorID)
}

func (s *pgRides) GetByInstructorAndDate(ctx context.Context, instructorID int64, date time.Time) ([]models.Lesson, error) {
	from, to := DayBounds(date)
	return s.list(ctx, lessonsByInstructorRangeQuery, instructorID, from, to)
}

func (s *pgRides) list(ctx context.Context, query string, args ...any) ([]models.Lesson, error) {
	var rows []lessonRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	out := make([]models.Lesson, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *pgRides) UpdateStatus(ctx context.Context, l *models.Lesson, from models.LessonStatus) error {
	res, err := s.db.ExecContext(ctx, updateStatusQuery, string(l.Status), l.UpdatedAt, l.ID, string(from))
	if err != nil {
		return fmt.Errorf("update lesson %d: %w", l.ID, err)
	}
	return s.checkConditional(ctx, res, l.ID)
}

func (s *pgRides) SetPaymentIntent(ctx context.Context, id int64, intentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, setIntentQuery, intentID, at, id)
	if err != nil {
		return fmt.Errorf("set payment intent of lesson %d: %w", id, err)
	}
	return s.checkConditional(ctx, res, id)
}

// checkConditional tells a missing row apart from a status mismatch when a
// guarded UPDATE touched nothing.
func (s *pgRides) checkConditional(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update lesson %d: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	l, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNotFound
	}
	return ErrStatusConflict
}

type instructorRow struct {
	ID              int64           `db:"id"`
	FullName        string          `db:"full_name"`
	HourlyRate      sql.NullFloat64 `db:"hourly_rate"`
	Status          string          `db:"status"`
	Latitude        sql.NullFloat64 `db:"latitude"`
	Longitude       sql.NullFloat64 `db:"longitude"`
	StripeAccountID string          `db:"stripe_account_id"`
}

type pgInstructors PostgresStore

func (s *pgInstructors) GetByID(ctx context.Context, id int64) (*models.Instructor, error) {
	var row instructorRow
	if err := s.db.GetContext(ctx, &row, getInstructorQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get instructor %d: %w", id, err)
	}
	i := &models.Instructor{
		ID:              row.ID,
		FullName:        row.FullName,
		Status:          models.InstructorStatus(row.Status),
		StripeAccountID: row.StripeAccountID,
	}
	if row.HourlyRate.Valid {
		rate := row.HourlyRate.Float64
		i.HourlyRate = &rate
	}
	if row.Latitude.Valid && row.Longitude.Valid {
		i.Location = &models.Coord{Lat: row.Latitude.Float64, Lon: row.Longitude.Float64}
	}
	return i, nil
}

type pgAvailability PostgresStore

func (s *pgAvailability) GetByInstructor(ctx context.Context, instructorID int64) ([]models.AvailabilityRule, error) {
	var rules []models.AvailabilityRule
	if err := s.db.SelectContext(ctx, &rules, rulesByInstructorQuery, instructorID); err != nil {
		return nil, fmt.Errorf("list availability rules: %w", err)
	}
	return rules, nil
}

func (s *pgAvailability) Create(ctx context.Context, r *models.AvailabilityRule) error {
	err := s.db.QueryRowxContext(ctx, insertRuleQuery, r.InstructorID, r.DayOfWeek, int(r.Start), int(r.End)).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert availability rule: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
