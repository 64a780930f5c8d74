package importing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/erpimport/internal/logging"
)

// LookupFunc resolves a chunk of natural-key codes to persisted entities.
// Codes without a match are simply absent from the returned map.
type LookupFunc[E any] func(ctx context.Context, codes []string) (map[string]E, error)

// CodeCache is an optional shared cache in front of a LookupFunc.
// Implementations must treat errors as misses, not failures, where possible.
type CodeCache[E any] interface {
	GetMany(ctx context.Context, entity string, codes []string) (map[string]E, error)
	PutMany(ctx context.Context, entity string, found map[string]E) error
}

// PreloadConfig configures a Preloader.
type PreloadConfig[E any] struct {
	// Entity names the referenced type, e.g. "supplier". Used in error messages and cache keys.
	Entity string

	// Lookup queries the store for one chunk of codes.
	Lookup LookupFunc[E]

	// ChunkSize bounds codes per query (default: DefaultPreloadChunkSize).
	ChunkSize int

	// Errors, when set, receives a DATA error for every code that does not resolve.
	Errors *ErrorCollector

	// Section is the error section for missing codes (default: Entity).
	Section string

	// Cache is consulted before Lookup and filled afterwards.
	Cache CodeCache[E]
}

// Preloader builds a code->entity map for a working set of codes so row
// processing never queries references one at a time.
type Preloader[E any] struct {
	cfg PreloadConfig[E]
}

// NewPreloader creates a Preloader.
func NewPreloader[E any](cfg PreloadConfig[E]) *Preloader[E] {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultPreloadChunkSize
	}
	if cfg.Section == "" {
		cfg.Section = cfg.Entity
	}
	return &Preloader[E]{cfg: cfg}
}

// Load resolves codes. Blank and duplicate codes are ignored.
func (p *Preloader[E]) Load(ctx context.Context, codes []string) (map[string]E, error) {
	wanted := NormalizeCodes(codes)
	out := make(map[string]E, len(wanted))
	if len(wanted) == 0 {
		return out, nil
	}

	logger := logging.FromContext(ctx).With("entity", p.cfg.Entity)
	start := time.Now()

	pending := wanted
	if p.cfg.Cache != nil {
		cached, err := p.cfg.Cache.GetMany(ctx, p.cfg.Entity, wanted)
		if err != nil {
			logger.Warn("code cache read failed", "error", err)
		}
		for code, e := range cached {
			out[code] = e
		}
		pending = missing(wanted, out)
	}

	fetched := make(map[string]E, len(pending))
	for lo := 0; lo < len(pending); lo += p.cfg.ChunkSize {
		hi := min(lo+p.cfg.ChunkSize, len(pending))
		found, err := p.cfg.Lookup(ctx, pending[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("preload %s: %w", p.cfg.Entity, err)
		}
		for code, e := range found {
			fetched[code] = e
			out[code] = e
		}
	}

	if p.cfg.Cache != nil && len(fetched) > 0 {
		if err := p.cfg.Cache.PutMany(ctx, p.cfg.Entity, fetched); err != nil {
			logger.Warn("code cache write failed", "error", err)
		}
	}

	absent := missing(wanted, out)
	if p.cfg.Errors != nil {
		for _, code := range absent {
			p.cfg.Errors.Add(ImportError{
				Section: p.cfg.Section,
				Field:   "code",
				Message: fmt.Sprintf("%s %s not found", p.cfg.Entity, code),
				Value:   code,
				Type:    ErrorTypeData,
			})
		}
	}

	logger.Info("preload completed",
		"requested", len(wanted),
		"found", len(out),
		"missing", len(absent),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// NormalizeCodes trims, de-duplicates and sorts codes, dropping blanks.
// Sorting keeps lock acquisition order stable across concurrent imports.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func missing[E any](codes []string, have map[string]E) []string {
	var out []string
	for _, c := range codes {
		if _, ok := have[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
