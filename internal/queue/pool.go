package queue

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/linewatch/linewatch/internal/jobs"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// Handler executes one claimed job.
type Handler func(ctx context.Context, job models.Job) jobs.Result

// KeyedMutex serialises work per key.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[uint]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[uint]*keyedEntry)}
}

// Lock blocks until key is free and takes it.
func (k *KeyedMutex) Lock(key uint) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases key.
func (k *KeyedMutex) Unlock(key uint) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Held returns the keys currently locked or waited on, sorted.
func (k *KeyedMutex) Held() []uint {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]uint, 0, len(k.entries))
	for key := range k.entries {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pool runs Concurrency goroutines that claim and execute jobs. Jobs for the
// same line run one at a time within the pool.
type Pool struct {
	DB           *gorm.DB
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	Handler      Handler

	lines *KeyedMutex
	wake  chan struct{}
	once  sync.Once
}

func (p *Pool) init() {
	p.once.Do(func() {
		p.lines = NewKeyedMutex()
		p.wake = make(chan struct{}, 1)
		if p.Concurrency <= 0 {
			p.Concurrency = 4
		}
		if p.PollInterval <= 0 {
			p.PollInterval = 2 * time.Second
		}
	})
}

// Wake prompts an idle worker to poll immediately.
func (p *Pool) Wake() {
	p.init()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and all workers have returned.
func (p *Pool) Run(ctx context.Context) {
	p.init()
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		job, err := Claim(p.DB, p.WorkerID, p.lines.Held())
		if err != nil {
			log.Printf("pool: worker %s slot %d: %v", p.WorkerID, slot, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-p.wake:
			case <-time.After(p.PollInterval):
			}
			continue
		}
		p.execute(ctx, *job)
	}
}

// execute runs a claimed job under its line's lock and records the outcome.
func (p *Pool) execute(ctx context.Context, job models.Job) {
	p.lines.Lock(job.LineID)
	defer p.lines.Unlock(job.LineID)

	res := p.Handler(ctx, job)
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if err := Finish(p.DB, job.ID, res.OK, res.Reason, msg); err != nil {
		log.Printf("pool: %v", err)
	}
}
