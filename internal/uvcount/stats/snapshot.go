// snapshot.go implements the store's wholesale JSON persistence. The store
// is deliberately decoupled from the filesystem: snapshots stream to any
// io.Writer and load from any io.Reader, which keeps the format testable
// against in-memory buffers and leaves scheduling, file naming, and
// retention entirely to the caller.
//
// Document Shape
// ==============
//
//	{
//	  "version": 1,
//	  "domains": {
//	    "example.com": {
//	      "pages": {"/": {"pv": 12, "uv": {"type": 0, "data": [30818]}}},
//	      "days":  {"2026-08-30": {"pv": 12, "uv": {"type": 0, "data": [30818]}}}
//	    }
//	  }
//	}
//
// Counters travel as their tagged envelopes (see the counter package). The
// document types are exported so the uvcheck tool can validate snapshot
// files without a live store.
//
// Atomic Loads
// ============
//
// LoadSnapshot decodes and rebuilds the entire document into fresh shards
// before installing anything. Any failure — unreadable JSON, an unsupported
// version, a malformed counter envelope — aborts the load with the store
// untouched, so the caller can detect the failure and decide whether to
// fall back to an empty store. A load is never partially applied.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"uvcount.lopezb.com/internal/uvcount/counter"
)

// SnapshotVersion is the document version this package writes and accepts.
const SnapshotVersion = 1

// ErrSnapshotVersion reports a snapshot document whose version field does
// not match SnapshotVersion.
var ErrSnapshotVersion = errors.New("stats: unsupported snapshot version")

// Document is the persisted form of a whole store.
type Document struct {
	Version int                    `json:"version"`
	Domains map[string]DomainEntry `json:"domains"`
}

// DomainEntry holds one domain's persisted records.
type DomainEntry struct {
	Pages map[string]Entry `json:"pages"`
	Days  map[string]Entry `json:"days"`
}

// Entry is one persisted PV/UV aggregate: the page-view tally and the
// unique-visitor counter's envelope.
type Entry struct {
	PV uint64           `json:"pv"`
	UV counter.Envelope `json:"uv"`
}

// SaveSnapshot serializes the entire store as one JSON document. Shards are
// encoded one at a time under their read locks, so recording stays live on
// every other shard while a snapshot is in progress.
func (s *Store) SaveSnapshot(w io.Writer) error {
	doc := Document{
		Version: SnapshotVersion,
		Domains: make(map[string]DomainEntry),
	}

	for _, sh := range s.shards {
		sh.mu.RLock()
		for domain, d := range sh.domains {
			entry := DomainEntry{
				Pages: make(map[string]Entry, len(d.pages)),
				Days:  make(map[string]Entry, len(d.days)),
			}
			for path, r := range d.pages {
				env, err := r.uv.Encode()
				if err != nil {
					sh.mu.RUnlock()
					return fmt.Errorf("stats: encode page %s%s: %w", domain, path, err)
				}
				entry.Pages[path] = Entry{PV: r.pv, UV: env}
			}
			for day, r := range d.days {
				env, err := r.uv.Encode()
				if err != nil {
					sh.mu.RUnlock()
					return fmt.Errorf("stats: encode day %s/%s: %w", domain, day, err)
				}
				entry.Days[day] = Entry{PV: r.pv, UV: env}
			}
			doc.Domains[domain] = entry
		}
		sh.mu.RUnlock()
	}

	return json.NewEncoder(w).Encode(doc)
}

// LoadSnapshot replaces the store's contents with the document read from r.
// The snapshot must have been written under the store's policy. On any
// error the store is left exactly as it was.
func (s *Store) LoadSnapshot(r io.Reader) error {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("stats: decode snapshot: %w", err)
	}
	if doc.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, doc.Version)
	}

	// Rebuild every shard off to the side; nothing is installed until the
	// whole document has decoded cleanly.
	fresh := make([]*shard, shardCount)
	for i := range fresh {
		fresh[i] = &shard{domains: make(map[string]*domainStats)}
	}

	for domain, entry := range doc.Domains {
		d := &domainStats{
			pages: make(map[string]*record, len(entry.Pages)),
			days:  make(map[string]*record, len(entry.Days)),
		}
		for path, e := range entry.Pages {
			uv, err := counter.Decode(e.UV, s.policy)
			if err != nil {
				return fmt.Errorf("stats: page %s%s: %w", domain, path, err)
			}
			d.pages[path] = &record{pv: e.PV, uv: uv}
		}
		for day, e := range entry.Days {
			uv, err := counter.Decode(e.UV, s.policy)
			if err != nil {
				return fmt.Errorf("stats: day %s/%s: %w", domain, day, err)
			}
			d.days[day] = &record{pv: e.PV, uv: uv}
		}
		fresh[xxhash.Sum64String(domain)%shardCount].domains[domain] = d
	}

	for i, sh := range s.shards {
		sh.mu.Lock()
		sh.domains = fresh[i].domains
		sh.mu.Unlock()
	}
	return nil
}
