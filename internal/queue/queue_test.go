package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/jobs"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testQueueDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Job{}, &models.Worker{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func TestEnqueue(t *testing.T) {
	db := testQueueDB(t)

	j, err := Enqueue(db, models.JobPredict, 3, 9)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.ID == 0 || j.Status != models.JobQueued || j.LineID != 3 || j.PredictionID != 9 {
		t.Errorf("job = %+v", j)
	}
	if _, err := Enqueue(db, "reindex", 1, 0); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("unknown kind err = %v, want validation", err)
	}
}

func TestClaim_OldestFirstAndOnce(t *testing.T) {
	db := testQueueDB(t)
	first, _ := Enqueue(db, models.JobTrain, 1, 0)
	second, _ := Enqueue(db, models.JobTrain, 2, 0)

	j, err := Claim(db, "wrk-a", nil)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if j == nil || j.ID != first.ID {
		t.Fatalf("Claim() = %+v, want job %d", j, first.ID)
	}
	if j.Status != models.JobRunning || j.WorkerID != "wrk-a" || j.StartedAt == nil {
		t.Errorf("claimed job = %+v", j)
	}

	j2, _ := Claim(db, "wrk-b", nil)
	if j2 == nil || j2.ID != second.ID {
		t.Fatalf("second Claim() = %+v, want job %d", j2, second.ID)
	}

	j3, err := Claim(db, "wrk-c", nil)
	if err != nil || j3 != nil {
		t.Errorf("Claim on empty queue = %+v, %v", j3, err)
	}
}

func TestClaim_ExcludesLines(t *testing.T) {
	db := testQueueDB(t)
	Enqueue(db, models.JobPredict, 1, 1)
	other, _ := Enqueue(db, models.JobPredict, 2, 2)

	j, _ := Claim(db, "wrk-a", []uint{1})
	if j == nil || j.ID != other.ID {
		t.Errorf("Claim() = %+v, want job for line 2", j)
	}
}

func TestClaim_ConcurrentWorkersNeverShare(t *testing.T) {
	db := testQueueDB(t)
	for i := 0; i < 20; i++ {
		Enqueue(db, models.JobPredict, uint(i%3+1), uint(i+1))
	}

	var mu sync.Mutex
	claimed := make(map[uint]string)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := Claim(db, worker, nil)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[j.ID]; ok {
					t.Errorf("job %d claimed by %s and %s", j.ID, prev, worker)
				}
				claimed[j.ID] = worker
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	if len(claimed) != 20 {
		t.Errorf("claimed %d jobs, want 20", len(claimed))
	}
}

func TestFinish(t *testing.T) {
	db := testQueueDB(t)
	Enqueue(db, models.JobTrain, 1, 0)
	j, _ := Claim(db, "wrk-a", nil)

	if err := Finish(db, j.ID, false, jobs.ReasonScorer, "exit status 1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, _ := Get(db, j.ID)
	if got.Status != models.JobFailed || got.Reason != jobs.ReasonScorer || got.CompletedAt == nil {
		t.Errorf("job = %+v", got)
	}

	// A finished job is not overwritten.
	Finish(db, j.ID, true, "", "")
	got, _ = Get(db, j.ID)
	if got.Status != models.JobFailed {
		t.Errorf("Status = %s, want failed kept", got.Status)
	}
}

func TestList(t *testing.T) {
	db := testQueueDB(t)
	Enqueue(db, models.JobTrain, 1, 0)
	Enqueue(db, models.JobPredict, 1, 4)
	Enqueue(db, models.JobPredict, 2, 5)

	byLine, _ := List(db, ListFilters{LineID: 1})
	if len(byLine) != 2 || byLine[0].Kind != models.JobPredict {
		t.Errorf("List(line 1) = %+v", byLine)
	}
	limited, _ := List(db, ListFilters{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("List(limit 1) = %d jobs", len(limited))
	}
	if _, err := Get(db, 99); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get(99) err = %v", err)
	}
}

func TestGenerateWorkerID(t *testing.T) {
	id, err := GenerateWorkerID()
	if err != nil {
		t.Fatalf("GenerateWorkerID: %v", err)
	}
	if !strings.HasPrefix(id, "wrk-") || len(id) != 12 {
		t.Errorf("id = %q, want wrk-xxxxxxxx", id)
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	db := testQueueDB(t)
	w, err := Register(db, "wrk-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	before := w.LastHeartbeat

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := StartHeartbeat(ctx, db, "wrk-1", 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	var got models.Worker
	db.First(&got, "id = ?", "wrk-1")
	if !got.LastHeartbeat.After(before) {
		t.Errorf("LastHeartbeat not advanced: %v <= %v", got.LastHeartbeat, before)
	}

	// A worker marked dead stops heartbeating with an error.
	db.Model(&models.Worker{}).Where("id = ?", "wrk-1").Update("status", WorkerDead)
	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "no longer running") {
			t.Errorf("heartbeat err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not report the dead worker")
	}
}

func TestHeartbeat_RetriesTransientFailure(t *testing.T) {
	db := testQueueDB(t)
	if _, err := Register(db, "wrk-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var calls atomic.Int32
	db.Callback().Update().Before("gorm:update").Register("test:fail_once", func(tx *gorm.DB) {
		if calls.Add(1) == 1 {
			tx.AddError(errors.New("connection reset"))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := StartHeartbeat(ctx, db, "wrk-1", 20*time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("heartbeat stopped after one failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if calls.Load() < 3 {
		t.Errorf("heartbeat attempts = %d, want it to keep ticking", calls.Load())
	}
}

func TestHeartbeat_GivesUpAfterRepeatedFailures(t *testing.T) {
	db := testQueueDB(t)
	if _, err := Register(db, "wrk-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	db.Callback().Update().Before("gorm:update").Register("test:fail_always", func(tx *gorm.DB) {
		tx.AddError(errors.New("connection reset"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := StartHeartbeat(ctx, db, "wrk-1", 20*time.Millisecond)

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "2 consecutive failures") {
			t.Errorf("heartbeat err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat kept running on a failing store")
	}
}

func TestDeregister(t *testing.T) {
	db := testQueueDB(t)
	Register(db, "wrk-1")
	if err := Deregister(db, "wrk-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	var got models.Worker
	db.First(&got, "id = ?", "wrk-1")
	if got.Status != WorkerStopped {
		t.Errorf("Status = %s, want stopped", got.Status)
	}
}

func TestReap(t *testing.T) {
	db := testQueueDB(t)
	old := time.Now().Add(-5 * time.Minute)
	db.Create(&models.Worker{ID: "wrk-dead", Status: WorkerRunning, StartedAt: old, LastHeartbeat: old})
	db.Create(&models.Worker{ID: "wrk-live", Status: WorkerRunning, StartedAt: old, LastHeartbeat: time.Now()})
	db.Create(&models.Worker{ID: "wrk-stopped", Status: WorkerStopped, StartedAt: old, LastHeartbeat: old})

	Enqueue(db, models.JobTrain, 1, 0)
	Enqueue(db, models.JobPredict, 2, 7)
	Enqueue(db, models.JobPredict, 3, 8)
	lostJob, _ := Claim(db, "wrk-dead", nil)
	liveJob, _ := Claim(db, "wrk-live", nil)

	var recovered []models.Job
	n, err := Reap(db, time.Minute, func(j models.Job) { recovered = append(recovered, j) })
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 || len(recovered) != 1 || recovered[0].ID != lostJob.ID {
		t.Fatalf("Reap() = %d, recovered %+v", n, recovered)
	}

	got, _ := Get(db, lostJob.ID)
	if got.Status != models.JobFailed || got.Reason != LostReason {
		t.Errorf("lost job = %s/%s", got.Status, got.Reason)
	}
	live, _ := Get(db, liveJob.ID)
	if live.Status != models.JobRunning {
		t.Errorf("live job = %s, want running", live.Status)
	}
	var w models.Worker
	db.First(&w, "id = ?", "wrk-dead")
	if w.Status != WorkerDead {
		t.Errorf("stale worker = %s, want dead", w.Status)
	}

	// Reaping again finds nothing new.
	if n, _ := Reap(db, time.Minute, nil); n != 0 {
		t.Errorf("second Reap() = %d, want 0", n)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	k.Lock(1)
	k.Lock(2)
	if held := k.Held(); len(held) != 2 || held[0] != 1 || held[1] != 2 {
		t.Errorf("Held() = %v", held)
	}

	acquired := make(chan struct{})
	go func() {
		k.Lock(1)
		close(acquired)
		k.Unlock(1)
	}()
	select {
	case <-acquired:
		t.Fatal("second Lock(1) acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	k.Unlock(1)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock(1) never acquired after Unlock")
	}
	k.Unlock(2)
	time.Sleep(10 * time.Millisecond)
	if held := k.Held(); len(held) != 0 {
		t.Errorf("Held() = %v after unlocking everything", held)
	}
}

func TestPool_RunsJobsAndSerialisesLines(t *testing.T) {
	db := testQueueDB(t)
	for i := 0; i < 6; i++ {
		Enqueue(db, models.JobPredict, uint(i%2+1), uint(i+1))
	}

	var (
		mu      sync.Mutex
		active  = map[uint]int{}
		overlap atomic.Bool
		ran     atomic.Int32
	)
	handler := func(_ context.Context, j models.Job) jobs.Result {
		mu.Lock()
		active[j.LineID]++
		if active[j.LineID] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active[j.LineID]--
		mu.Unlock()
		ran.Add(1)
		if j.PredictionID == 3 {
			return jobs.Result{Reason: jobs.ReasonScorer, Err: errors.New("boom")}
		}
		return jobs.Result{OK: true}
	}

	pool := &Pool{DB: db, WorkerID: "wrk-1", Concurrency: 4, PollInterval: 10 * time.Millisecond, Handler: handler}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()

	deadline := time.Now().Add(5 * time.Second)
	for ran.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if ran.Load() != 6 {
		t.Fatalf("ran %d jobs, want 6", ran.Load())
	}
	if overlap.Load() {
		t.Error("two jobs for the same line ran concurrently")
	}

	failed, _ := List(db, ListFilters{Status: models.JobFailed})
	if len(failed) != 1 || failed[0].PredictionID != 3 || failed[0].ErrorMessage != "boom" {
		t.Errorf("failed jobs = %+v", failed)
	}
	succeeded, _ := List(db, ListFilters{Status: models.JobSucceeded})
	if len(succeeded) != 5 {
		t.Errorf("succeeded = %d, want 5", len(succeeded))
	}
}
