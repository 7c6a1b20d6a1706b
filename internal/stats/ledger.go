package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

// Ledger keeps in-memory counters for the lifetime of the process.
type Ledger struct {
	mu        sync.Mutex
	started   time.Time
	total     int
	successes int
	errors    map[result.Kind]int
	methods   map[string]int
	domains   map[string]*domainCount
	latency   *latencyWindow
}

type domainCount struct {
	attempts  int
	successes int
}

func NewLedger(window int) *Ledger {
	return &Ledger{
		started: time.Now(),
		errors:  map[result.Kind]int{},
		methods: map[string]int{},
		domains: map[string]*domainCount{},
		latency: newLatencyWindow(window),
	}
}

func (l *Ledger) RecordAttempt(_ context.Context, a LinkAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := Domain(a.URL)
	c, ok := l.domains[d]
	if !ok {
		c = &domainCount{}
		l.domains[d] = c
	}
	c.attempts++
	if a.Success {
		c.successes++
	}
}

func (l *Ledger) RecordResult(_ context.Context, o Outcome) {
	l.mu.Lock()
	l.total++
	if o.Success {
		l.successes++
		l.methods[o.Method]++
	} else {
		l.errors[o.ErrorType]++
	}
	l.mu.Unlock()
	l.latency.record(o.Duration)
}

type DomainStats struct {
	Domain      string  `json:"domain"`
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

type Snapshot struct {
	Uptime      time.Duration       `json:"uptime"`
	Total       int                 `json:"total"`
	Successes   int                 `json:"successes"`
	Failures    int                 `json:"failures"`
	SuccessRate float64             `json:"success_rate"`
	Errors      map[result.Kind]int `json:"errors"`
	Methods     map[string]int      `json:"methods"`
	Domains     []DomainStats       `json:"domains"`
	Latency     Latency             `json:"latency"`
}

// Snapshot copies the current counters. Domains are ordered by attempts,
// busiest first.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	s := Snapshot{
		Uptime:    time.Since(l.started),
		Total:     l.total,
		Successes: l.successes,
		Failures:  l.total - l.successes,
		Errors:    make(map[result.Kind]int, len(l.errors)),
		Methods:   make(map[string]int, len(l.methods)),
	}
	for k, v := range l.errors {
		s.Errors[k] = v
	}
	for k, v := range l.methods {
		s.Methods[k] = v
	}
	for d, c := range l.domains {
		s.Domains = append(s.Domains, DomainStats{
			Domain:      d,
			Attempts:    c.attempts,
			Successes:   c.successes,
			SuccessRate: rate(c.successes, c.attempts),
		})
	}
	l.mu.Unlock()

	s.SuccessRate = rate(s.Successes, s.Total)
	sort.Slice(s.Domains, func(i, j int) bool {
		if s.Domains[i].Attempts != s.Domains[j].Attempts {
			return s.Domains[i].Attempts > s.Domains[j].Attempts
		}
		return s.Domains[i].Domain < s.Domains[j].Domain
	})
	s.Latency = l.latency.stats()
	return s
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
