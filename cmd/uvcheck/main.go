// uvcheck is a diagnostic tool for inspecting and validating statistics
// snapshot files. It decodes the wholesale JSON document offline, rebuilds
// every embedded unique-visitor counter envelope, and reports what it found
// without needing a live store.
//
// This tool is the first line of defense when troubleshooting persistence
// issues. It can answer questions like:
//
//   - Is the snapshot file readable, and does every counter envelope decode?
//   - How many domains, pages, and day records are stored?
//   - How far along the tier chain have the counters migrated
//     (exact / bitmap / sketch)?
//   - What do the aggregate PV/UV totals look like per domain?
//
// Usage Examples
// ==============
//
// Basic validation (structure plus every counter envelope):
//
//	uvcheck -file stats.json
//
// Verbose mode (lists every page and day record with its tier):
//
//	uvcheck -file stats.json -v
//
// Snapshots written under the two-tier counter policy need the matching
// flag, since the envelope does not carry the policy:
//
//	uvcheck -file stats.json -policy two
//
// Exit Codes
// ==========
//
// 0: The file is valid.
// 1: The file is unreadable or corrupted (bad JSON, unsupported version,
// malformed envelope, unknown tier tag).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"uvcount.lopezb.com/internal/uvcount/counter"
	"uvcount.lopezb.com/internal/uvcount/stats"
)

// report accumulates what the walk over the snapshot document found.
type report struct {
	domains int
	pages   int
	days    int
	pv      uint64
	tiers   map[counter.Tier]int
}

func main() {
	filePath := flag.String("file", "stats.json", "Path to the snapshot file")
	policyName := flag.String("policy", "three", "Counter policy the snapshot was written under (two|three)")
	verbose := flag.Bool("v", false, "Verbose mode (print every record)")
	flag.Parse()

	policy, err := policyByName(*policyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] Cannot open file: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()

	fmt.Printf("Checking snapshot %s (%s-tier policy)\n", *filePath, *policyName)

	rep, err := check(f, policy, *verbose, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] %v\n", err)
		fmt.Println("Result: CORRUPTED")
		os.Exit(1)
	}

	fmt.Printf("Domains: %d, pages: %d, day records: %d, total PV: %d\n",
		rep.domains, rep.pages, rep.days, rep.pv)
	fmt.Printf("Counter tiers: exact=%d bitmap=%d sketch=%d\n",
		rep.tiers[counter.TierExact], rep.tiers[counter.TierBitmap], rep.tiers[counter.TierSketch])
	fmt.Println("Result: OK")
}

func policyByName(name string) (counter.Policy, error) {
	switch name {
	case "two":
		return counter.TwoTierPolicy(), nil
	case "three":
		return counter.ThreeTierPolicy(), nil
	}
	return counter.Policy{}, fmt.Errorf("unknown policy %q (want two or three)", name)
}

// check validates one snapshot document end to end: JSON shape, version,
// and every embedded counter envelope. Verbose detail goes to out; the
// returned report summarizes the walk. The first failure aborts the check —
// a snapshot with one bad envelope would also fail to load in the service.
func check(r io.Reader, policy counter.Policy, verbose bool, out io.Writer) (*report, error) {
	var doc stats.Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Version != stats.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", stats.ErrSnapshotVersion, doc.Version)
	}

	rep := &report{tiers: make(map[counter.Tier]int)}

	// Walk domains in lexical order so verbose output is stable.
	domains := make([]string, 0, len(doc.Domains))
	for domain := range doc.Domains {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		entry := doc.Domains[domain]
		rep.domains++

		for _, key := range sortedKeys(entry.Pages) {
			e := entry.Pages[key]
			uv, err := counter.Decode(e.UV, policy)
			if err != nil {
				return nil, fmt.Errorf("page %s%s: %w", domain, key, err)
			}
			rep.pages++
			rep.pv += e.PV
			rep.tiers[uv.Tier()]++
			if verbose {
				fmt.Fprintf(out, "  %s%s [%s] pv=%d uv=%d\n", domain, key, uv.Tier(), e.PV, uv.Count())
			}
		}

		for _, key := range sortedKeys(entry.Days) {
			e := entry.Days[key]
			uv, err := counter.Decode(e.UV, policy)
			if err != nil {
				return nil, fmt.Errorf("day %s/%s: %w", domain, key, err)
			}
			rep.days++
			rep.tiers[uv.Tier()]++
			if verbose {
				fmt.Fprintf(out, "  %s day %s [%s] pv=%d uv=%d\n", domain, key, uv.Tier(), e.PV, uv.Count())
			}
		}
	}

	return rep, nil
}

func sortedKeys(m map[string]stats.Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
