// Package oracle decides whether a queried name is subject to the CDN
// fast-IP override, behind a single narrow capability so call sites never
// branch on which strategy is configured.
package oracle

import (
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"cdnfast-dns/internal/cidrset"
)

// CdnDomainOracle decides whether qname should be answered with the current
// fast IP instead of being forwarded upstream.
type CdnDomainOracle interface {
	Accepts(qname string) bool
}

// StaticSuffixOracle is backed by a fixed domain list loaded at startup.
type StaticSuffixOracle struct {
	domains      []string
	properSuffix bool
}

// NewStaticSuffixOracle builds a StaticSuffixOracle over domains (already
// normalized to lowercase, no trailing dot). properSuffix selects correct
// suffix matching; when false, the legacy "exactly one entry is a substring"
// behavior is preserved for compatibility (see SPEC_FULL.md §11).
func NewStaticSuffixOracle(domains []string, properSuffix bool) *StaticSuffixOracle {
	cp := make([]string, len(domains))
	copy(cp, domains)
	return &StaticSuffixOracle{domains: cp, properSuffix: properSuffix}
}

// Accepts implements CdnDomainOracle.
func (o *StaticSuffixOracle) Accepts(qname string) bool {
	name := canonicalQName(qname)
	if o.properSuffix {
		return o.acceptsSuffix(name)
	}
	return o.acceptsSubstring(name)
}

// acceptsSuffix implements correct suffix matching: exactly one configured
// domain must equal qname or be a dot-delimited suffix of it.
func (o *StaticSuffixOracle) acceptsSuffix(name string) bool {
	matches := 0
	for _, d := range o.domains {
		if name == d || strings.HasSuffix(name, "."+d) {
			matches++
		}
	}
	return matches == 1
}

// acceptsSubstring reproduces the original reference implementation's
// behavior verbatim: membership is true iff exactly one domain-list entry is
// a substring of qname. This is historical, not "correct" suffix matching
// (see SPEC_FULL.md §11) — duplicate or overlapping entries silently disable
// override, and any substring match counts, not just a trailing label.
func (o *StaticSuffixOracle) acceptsSubstring(name string) bool {
	matches := 0
	for _, d := range o.domains {
		if strings.Contains(name, d) {
			matches++
		}
	}
	return matches == 1
}

// DefaultCacheCapacity bounds the LearnedCacheOracle's DomainCache.
const DefaultCacheCapacity = 10000

// LearnedCacheOracle learns which qnames to override by watching upstream
// answers: the DNS handler calls Learn whenever an upstream A-record falls
// inside the CDN's CidrSet.
type LearnedCacheOracle struct {
	cache    *cache.Cache
	cidrs    *cidrset.Set
	capacity int
	count    int32
}

// NewLearnedCacheOracle builds a LearnedCacheOracle backed by a TTL-expiring
// cache (the same primitive the teacher repo used for session bookkeeping,
// repurposed here for override-domain bookkeeping) capped at capacity
// entries.
func NewLearnedCacheOracle(cidrs *cidrset.Set, capacity int) *LearnedCacheOracle {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &LearnedCacheOracle{
		// Entries expire an hour after being learned (lookups do not
		// extend that) and the janitor sweeps every 10 minutes, approximating the spec's capacity bound without
		// needing a dedicated LRU structure: an active working set of
		// override domains is small and self-refreshing.
		cache:    cache.New(1*time.Hour, 10*time.Minute),
		cidrs:    cidrs,
		capacity: capacity,
	}
}

// Accepts implements CdnDomainOracle.
func (o *LearnedCacheOracle) Accepts(qname string) bool {
	_, found := o.cache.Get(canonicalQName(qname))
	return found
}

// Learn records qname as an override candidate if firstAnswerIP falls
// inside the configured CIDR set. It is a no-op if the cache is already at
// capacity, to respect the bounded-capacity invariant.
func (o *LearnedCacheOracle) Learn(qname string, firstAnswerIP []byte) {
	if len(firstAnswerIP) != 4 {
		return
	}
	if !o.cidrs.Contains(firstAnswerIP) {
		return
	}
	name := canonicalQName(qname)
	if _, found := o.cache.Get(name); found {
		return
	}
	if o.cache.ItemCount() >= o.capacity {
		return
	}
	o.cache.SetDefault(name, true)
}

func canonicalQName(qname string) string {
	return strings.ToLower(strings.TrimSuffix(qname, "."))
}
