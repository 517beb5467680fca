package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/notify"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var sweepNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testSweepDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Line{}, &models.Prediction{}, &models.Alert{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func seedLine(t *testing.T, db *gorm.DB, name string, threshold int, status models.LineStatus) models.Line {
	t.Helper()
	l := models.Line{
		Name:           name,
		AlertThreshold: threshold,
		AlertEmail:     "qa@example.com",
		DeviceToken:    uuid.NewString(),
		Status:         status,
	}
	if err := db.Create(&l).Error; err != nil {
		t.Fatalf("create line: %v", err)
	}
	return l
}

func seedPrediction(t *testing.T, db *gorm.DB, lineID uint, total, defects int, status models.PredictionStatus, age time.Duration) {
	t.Helper()
	p := models.Prediction{
		Name:         "batch",
		LineID:       lineID,
		TotalCount:   total,
		DefectsCount: defects,
		Status:       status,
		CreatedAt:    sweepNow.Add(-age),
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create prediction: %v", err)
	}
}

func newSweeper(db *gorm.DB, n notify.Notifier) *Sweeper {
	return &Sweeper{DB: db, Notifier: n, Window: 3 * time.Minute, Now: func() time.Time { return sweepNow }}
}

func TestRun_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		threshold  int
		wantAlerts int
	}{
		{90, 0},
		{91, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("threshold %d", tt.threshold), func(t *testing.T) {
			db := testSweepDB(t)
			l := seedLine(t, db, "press-1", tt.threshold, models.LineTrained)
			seedPrediction(t, db, l.ID, 100, 5, models.PredictionComplete, time.Minute)
			seedPrediction(t, db, l.ID, 50, 10, models.PredictionComplete, 2*time.Minute)

			rec := &notify.Recorder{}
			rep := newSweeper(db, rec).Run(context.Background())

			if !rep.OK || rep.Lines != 1 || rep.Alerts != tt.wantAlerts {
				t.Errorf("report = %+v", rep)
			}
			sent := rec.Sent()
			if len(sent) != tt.wantAlerts {
				t.Fatalf("notifier called %d times, want %d", len(sent), tt.wantAlerts)
			}
			if tt.wantAlerts == 0 {
				return
			}
			msg := sent[0]
			if msg.LineName != "press-1" || msg.Quality != 90.0 || msg.To != "qa@example.com" {
				t.Errorf("message = %+v", msg)
			}
			if msg.Subject != notify.AlertSubject {
				t.Errorf("Subject = %q", msg.Subject)
			}

			alerts, _ := Alerts(db, l.ID, 0)
			if len(alerts) != 1 || !alerts[0].Delivered || alerts[0].TotalCount != 150 || alerts[0].DefectsCount != 15 {
				t.Errorf("alerts = %+v", alerts)
			}
		})
	}
}

func TestRun_IgnoresOutsideWindowAndUnfinished(t *testing.T) {
	db := testSweepDB(t)
	l := seedLine(t, db, "press-1", 95, models.LineTrained)
	seedPrediction(t, db, l.ID, 100, 100, models.PredictionComplete, 10*time.Minute)
	seedPrediction(t, db, l.ID, 100, 100, models.PredictionFailed, time.Minute)
	seedPrediction(t, db, l.ID, 0, 0, models.PredictionRunning, time.Minute)

	rec := &notify.Recorder{}
	rep := newSweeper(db, rec).Run(context.Background())
	if !rep.OK || rep.Lines != 1 || len(rep.Failures) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if n := len(rec.Sent()); n != 0 {
		t.Errorf("notifier called %d times for a window with no data", n)
	}
}

func TestRun_SkipsUntrainedLines(t *testing.T) {
	db := testSweepDB(t)
	for _, st := range []models.LineStatus{models.LineNotTrained, models.LineTraining} {
		l := seedLine(t, db, string(st), 100, st)
		seedPrediction(t, db, l.ID, 10, 10, models.PredictionComplete, time.Minute)
	}

	rec := &notify.Recorder{}
	rep := newSweeper(db, rec).Run(context.Background())
	if !rep.OK || rep.Lines != 0 || len(rec.Sent()) != 0 {
		t.Errorf("report = %+v, sent = %d", rep, len(rec.Sent()))
	}
}

func TestRun_NotifierFailureIsIsolated(t *testing.T) {
	db := testSweepDB(t)
	var lines []models.Line
	for i := 1; i <= 10; i++ {
		l := seedLine(t, db, fmt.Sprintf("line-%d", i), 100, models.LineTrained)
		seedPrediction(t, db, l.ID, 10, 1, models.PredictionComplete, time.Minute)
		lines = append(lines, l)
	}
	failing := lines[2].ID

	rec := &notify.Recorder{Fail: func(m notify.Message) error {
		if m.LineID == failing {
			return errors.New("smtp: connection refused")
		}
		return nil
	}}
	rep := newSweeper(db, rec).Run(context.Background())

	if !rep.OK {
		t.Fatal("sweep reported failure")
	}
	if rep.Lines != 10 || rep.Alerts != 9 {
		t.Errorf("Lines = %d, Alerts = %d, want 10 and 9", rep.Lines, rep.Alerts)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].LineID != failing {
		t.Errorf("Failures = %+v", rep.Failures)
	}
	if n := len(rec.Sent()); n != 10 {
		t.Errorf("notifier called %d times, want 10", n)
	}

	alerts, _ := Alerts(db, failing, 1)
	if len(alerts) != 1 || alerts[0].Delivered || alerts[0].ErrorMessage == "" {
		t.Errorf("failed alert = %+v", alerts)
	}
}

func TestRun_SnapshotFailure(t *testing.T) {
	db := testSweepDB(t)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	rep := newSweeper(db, &notify.Recorder{}).Run(context.Background())
	if rep.OK {
		t.Error("OK = true with a closed store")
	}
}

func TestSchedule(t *testing.T) {
	var calls atomic.Int32
	c, err := Schedule("@every 1s", func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Error("scheduled func never ran")
	}

	if _, err := Schedule("every minute", func() {}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
