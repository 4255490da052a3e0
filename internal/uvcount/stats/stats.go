// Package stats implements the page/domain statistics model that owns the
// unique-visitor counters: page-view and unique-visitor aggregates per
// (domain, page) and per (domain, day), persisted wholesale as a JSON
// document with each counter embedded in its envelope form.
//
// Sharding Strategy
// =================
//
// The store partitions domains across 64 independent shards, each with its
// own mutex, so recording traffic for one domain does not contend with
// queries against another. Domains are assigned to shards by xxhash modulo
// the shard count; cryptographic strength is not needed, only speed and a
// reasonable spread. Domain-level keys number in the hundreds at most, so 64
// shards already make contention unlikely while keeping snapshot iteration
// cheap.
//
// The shard mutex also discharges the counter's concurrency contract: a
// counter performs no internal locking, and the exclusive lock held across
// Record guarantees that Add calls on any one counter are serialized.
//
// Day records use the UTC calendar day (YYYY-MM-DD) of the event time the
// caller passes in; the store never consults the wall clock itself.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"uvcount.lopezb.com/internal/uvcount/counter"
)

const shardCount = 64

// dayLayout is the day-record key format, the event time's UTC calendar day.
const dayLayout = "2006-01-02"

// record is one PV/UV aggregate: a plain page-view tally and the adaptive
// unique-visitor counter.
type record struct {
	pv uint64
	uv *counter.Counter
}

// domainStats groups a domain's per-page and per-day records.
type domainStats struct {
	pages map[string]*record
	days  map[string]*record
}

type shard struct {
	mu      sync.RWMutex
	domains map[string]*domainStats
}

// Store is the sharded in-memory statistics model. All counters in a store
// share one policy, fixed at construction; snapshots written by a store must
// be loaded under the same policy.
type Store struct {
	policy counter.Policy
	shards [shardCount]*shard
}

// NewStore creates an empty store whose counters follow policy.
func NewStore(policy counter.Policy) (*Store, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Store{policy: policy}
	for i := range s.shards {
		s.shards[i] = &shard{domains: make(map[string]*domainStats)}
	}
	return s, nil
}

// Policy returns the counter policy all records share.
func (s *Store) Policy() counter.Policy {
	return s.policy
}

func (s *Store) shardFor(domain string) *shard {
	return s.shards[xxhash.Sum64String(domain)%shardCount]
}

// Record registers one tracked event: a view of path on domain by clientID
// at the given time. It bumps the page and day PV tallies and feeds the
// client identifier to both unique-visitor counters. The identifier is
// hashed immediately and never retained.
func (s *Store) Record(domain, path, clientID string, at time.Time) error {
	sh := s.shardFor(domain)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	d := sh.domains[domain]
	if d == nil {
		d = &domainStats{
			pages: make(map[string]*record),
			days:  make(map[string]*record),
		}
		sh.domains[domain] = d
	}

	page, err := ensureRecord(d.pages, path, s.policy)
	if err != nil {
		return err
	}
	day, err := ensureRecord(d.days, at.UTC().Format(dayLayout), s.policy)
	if err != nil {
		return err
	}

	// Feed both counters before touching the tallies so a failed Add
	// leaves the page views consistent with the visitor counts.
	if err := page.uv.Add(clientID); err != nil {
		return fmt.Errorf("stats: page counter for %s%s: %w", domain, path, err)
	}
	if err := day.uv.Add(clientID); err != nil {
		return fmt.Errorf("stats: day counter for %s: %w", domain, err)
	}
	page.pv++
	day.pv++
	return nil
}

func ensureRecord(m map[string]*record, key string, policy counter.Policy) (*record, error) {
	if r := m[key]; r != nil {
		return r, nil
	}
	uv, err := counter.New(policy)
	if err != nil {
		return nil, err
	}
	r := &record{uv: uv}
	m[key] = r
	return r, nil
}

// PageStats returns the page-view tally and unique-visitor estimate for one
// page, with ok false if the page has never been recorded.
func (s *Store) PageStats(domain, path string) (pv, uv uint64, ok bool) {
	sh := s.shardFor(domain)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	d := sh.domains[domain]
	if d == nil {
		return 0, 0, false
	}
	r := d.pages[path]
	if r == nil {
		return 0, 0, false
	}
	return r.pv, r.uv.Count(), true
}

// DayStats returns the domain-wide tallies for the UTC calendar day of at.
func (s *Store) DayStats(domain string, at time.Time) (pv, uv uint64, ok bool) {
	sh := s.shardFor(domain)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	d := sh.domains[domain]
	if d == nil {
		return 0, 0, false
	}
	r := d.days[at.UTC().Format(dayLayout)]
	if r == nil {
		return 0, 0, false
	}
	return r.pv, r.uv.Count(), true
}

// Domains returns every recorded domain in lexical order.
func (s *Store) Domains() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for domain := range sh.domains {
			out = append(out, domain)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
