// Command coupon-ingest bulk-loads merchant coupons from gzip-compressed
// JSON-lines files into PostgreSQL.
//
// Files are decoded concurrently. A code defined in more than one file is
// imported once, from the file listed first.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	maxLineBytes  = 64 << 10
)

// record is one line of an input file.
type record struct {
	Code         string          `json:"code"`
	Type         string          `json:"type"`
	Value        decimal.Decimal `json:"value"`
	MinCartTotal *money.Money    `json:"min_cart_total,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	UsageLimit   int             `json:"usage_limit"`
	Description  string          `json:"description"`
}

func (r record) coupon() (coupon.Coupon, error) {
	t, err := coupon.ParseDiscountType(r.Type)
	if err != nil {
		return coupon.Coupon{}, err
	}
	c := coupon.Coupon{
		Code:         coupon.NormalizeCode(r.Code),
		Type:         t,
		Value:        r.Value,
		MinCartTotal: r.MinCartTotal,
		ExpiresAt:    r.ExpiresAt,
		UsageLimit:   r.UsageLimit,
		Description:  r.Description,
	}
	if err := c.Validate(); err != nil {
		return coupon.Coupon{}, err
	}
	return c, nil
}

// fileResult holds the coupons decoded from one file in input order.
type fileResult struct {
	coupons []coupon.Coupon
	skipped int
}

func main() {
	var (
		pattern     string
		databaseURL string
		expected    uint
		dryRun      bool
	)

	flag.StringVar(&pattern, "files", "data/coupons*.jsonl.gz", "glob of gzip JSON-lines coupon files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of distinct codes, sizes the dedup filter")
	flag.BoolVar(&dryRun, "dry-run", false, "decode and deduplicate without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, expected, dryRun); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, expected uint, dryRun bool) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}
	sort.Strings(files)

	slog.Info("decoding coupon files", slog.Int("files", len(files)))
	results, err := decodeFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "decode files")
	}

	coupons, dupes := dedupe(results, expected)
	slog.Info("coupons ready",
		slog.Int("unique", len(coupons)),
		slog.Int("duplicates", dupes),
	)
	if dryRun || len(coupons) == 0 {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.New(pool).Coupons()
	for i, c := range coupons {
		if err := repo.Save(ctx, c); err != nil {
			return errors.Wrapf(err, "save coupon %s", c.Code)
		}
		if (i+1)%1000 == 0 || i+1 == len(coupons) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(coupons)))
		}
	}
	return nil
}

// decodeFiles decodes every file concurrently. Results keep file order.
func decodeFiles(ctx context.Context, files []string) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := decodeFile(ctx, path)
			if err != nil {
				return errors.Wrapf(err, "file %s", path)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func decodeFile(ctx context.Context, path string) (fileResult, error) {
	var res fileResult
	err := streamGzFile(ctx, path, func(n int, line []byte) {
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Warn("skipping malformed line", slog.String("file", path), slog.Int("line", n), slog.String("error", err.Error()))
			res.skipped++
			return
		}
		c, err := r.coupon()
		if err != nil {
			slog.Warn("skipping invalid coupon", slog.String("file", path), slog.Int("line", n), slog.String("error", err.Error()))
			res.skipped++
			return
		}
		res.coupons = append(res.coupons, c)
		if len(res.coupons)%progressEvery == 0 {
			slog.Info("decode progress", slog.String("file", path), slog.Int("coupons", len(res.coupons)))
		}
	})
	if err != nil {
		return fileResult{}, err
	}
	slog.Info("file decoded",
		slog.String("file", path),
		slog.Int("coupons", len(res.coupons)),
		slog.Int("skipped", res.skipped),
	)
	return res, nil
}

// dedupe keeps the first definition of every code. The bloom filter answers
// most lookups; only possible repeats consult the exact set.
func dedupe(results []fileResult, expected uint) ([]coupon.Coupon, int) {
	filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
	seen := make(map[string]struct{})
	var (
		out   []coupon.Coupon
		dupes int
	)
	for _, r := range results {
		for _, c := range r.coupons {
			if filter.TestOrAddString(c.Code) {
				if _, ok := seen[c.Code]; ok {
					dupes++
					continue
				}
			}
			seen[c.Code] = struct{}{}
			out = append(out, c)
		}
	}
	return out, dupes
}

// streamGzFile opens a gzip-compressed file and calls fn for each non-empty
// line with its 1-based line number.
func streamGzFile(ctx context.Context, path string, fn func(n int, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		fn(n, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
