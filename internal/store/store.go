// Package store adapts the Data Model Runtime's typed records onto
// Postgres: batch upsert with a vendor-native conflict clause, a status
// sweep marking stale rows finished, and the deal-history aggregate query
// the Enrichment Engine drives.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"
)

// DefaultChunkSize matches the original batch-upsert's chunk size.
const DefaultChunkSize = 1000

// DefaultHistoryChunkSize bounds the IN (...) list size of the
// deal-history query's user_code parameter.
const DefaultHistoryChunkSize = 100

// deadlock/lock-not-available SQLSTATEs this module retries on. Postgres's
// analogues of the vendor-named MySQL codes 1213 (deadlock) and 1205
// (lock wait timeout).
const (
	sqlstateDeadlockDetected  = "40P01"
	sqlstateLockNotAvailable  = "55P03"
)

// Store wraps a pgx connection pool with the batch operations the scrape
// pipeline and enrichment engine depend on.
type Store struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	chunkSize int
}

// New constructs a Store. chunkSize <= 0 falls back to DefaultChunkSize.
func New(pool *pgxpool.Pool, logger *slog.Logger, chunkSize int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{pool: pool, logger: logger, chunkSize: chunkSize}
}

// retryOnDeadlock retries fn with exponential backoff (base 200ms, factor
// 2, max 3 retries) when it fails with a Postgres deadlock or
// lock-not-available error; any other error is returned immediately.
// table labels the retry counter so dashboards can isolate which table is
// contended.
func (s *Store) retryOnDeadlock(ctx context.Context, table string, fn func() error) error {
	base := backoff.NewExponentialBackOff()
	base.InitialInterval = 200 * time.Millisecond
	base.Multiplier = 2
	base.MaxInterval = 2 * time.Second
	base.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(base, 3), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryableDeadlock(err) {
			metrics.StoreRetriesTotal.WithLabelValues(table).Inc()
			s.logger.Warn("store: retrying after deadlock/lock timeout", slog.String("table", table), slog.String("error", err.Error()))
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// observeUpsert records the duration of a batch upsert under table's label.
func observeUpsert(table string, start time.Time) {
	metrics.StoreUpsertDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
}

func isRetryableDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateDeadlockDetected || pgErr.Code == sqlstateLockNotAvailable
	}
	return false
}

// EnsureSchema creates the tables and helper indexes this store depends on
// if absent, checking the index catalog rather than blindly re-issuing DDL.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS auctions (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			organizer_name TEXT,
			organizer_phone TEXT,
			customerservice_phone TEXT,
			start_time BIGINT,
			end_time BIGINT,
			status_name TEXT,
			live_status_name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sections (
			id BIGINT PRIMARY KEY,
			auction_id BIGINT NOT NULL REFERENCES auctions(id),
			name TEXT NOT NULL,
			start_ranking BIGINT,
			end_ranking BIGINT,
			count BIGINT,
			sort_type TEXT,
			start_price DOUBLE PRECISION,
			status_name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pigeons (
			id BIGINT PRIMARY KEY,
			code TEXT NOT NULL,
			auction_id BIGINT NOT NULL,
			section_id BIGINT,
			name TEXT,
			matcher_name TEXT,
			foot_ring TEXT,
			status TEXT,
			status_name TEXT,
			quote DOUBLE PRECISION,
			is_current BOOLEAN,
			create_time BIGINT,
			start_time BIGINT,
			end_time BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS bid_records (
			id BIGINT PRIMARY KEY,
			code TEXT,
			auction_id BIGINT NOT NULL,
			pigeon_id BIGINT NOT NULL,
			quote DOUBLE PRECISION,
			user_code TEXT,
			user_nickname TEXT,
			type TEXT,
			status TEXT,
			status_time BIGINT,
			create_time BIGINT
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'bid_records' AND indexname = 'idx_bid_records_user_code')`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: check index catalog: %w", err)
	}
	if !exists {
		if _, err := s.pool.Exec(ctx, `CREATE INDEX idx_bid_records_user_code ON bid_records (user_code)`); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// UpsertBidRecords writes rows in chunks of s.chunkSize, sorted by primary
// key first to reduce page contention. Each chunk is sent as one pgx.Batch
// holding one INSERT ... ON CONFLICT DO UPDATE statement per row, not as a
// single multi-row statement. Each chunk retries on deadlock.
func (s *Store) UpsertBidRecords(ctx context.Context, rows []record.BidRecord) error {
	defer observeUpsert("bid_records", time.Now())
	sorted := append([]record.BidRecord(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for start := 0; start < len(sorted); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]
		if err := s.retryOnDeadlock(ctx, "bid_records", func() error { return s.upsertBidRecordChunk(ctx, chunk) }); err != nil {
			return fmt.Errorf("store: upsert chunk [%d:%d): %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) upsertBidRecordChunk(ctx context.Context, chunk []record.BidRecord) error {
	const stmt = `
		INSERT INTO bid_records (id, code, auction_id, pigeon_id, quote, user_code, user_nickname, type, status, status_time, create_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			auction_id = EXCLUDED.auction_id,
			pigeon_id = EXCLUDED.pigeon_id,
			quote = EXCLUDED.quote,
			user_code = EXCLUDED.user_code,
			user_nickname = EXCLUDED.user_nickname,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			status_time = EXCLUDED.status_time,
			create_time = EXCLUDED.create_time
	`
	batch := &pgx.Batch{}
	for _, r := range chunk {
		batch.Queue(stmt, r.ID, r.Code, r.AuctionID, r.PigeonID, r.Quote,
			r.UserCode, r.UserNickname, r.Type, r.Status, r.StatusTime, r.CreateTime)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAuctions writes rows in chunks of s.chunkSize, each chunk sent as
// one pgx.Batch holding one INSERT ... ON CONFLICT DO UPDATE statement per
// row, not as a single multi-row statement.
func (s *Store) UpsertAuctions(ctx context.Context, rows []record.Auction) error {
	defer observeUpsert("auctions", time.Now())
	sorted := append([]record.Auction(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for start := 0; start < len(sorted); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]
		if err := s.retryOnDeadlock(ctx, "auctions", func() error { return s.upsertAuctionChunk(ctx, chunk) }); err != nil {
			return fmt.Errorf("store: upsert auctions chunk [%d:%d): %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) upsertAuctionChunk(ctx context.Context, chunk []record.Auction) error {
	const stmt = `
		INSERT INTO auctions (id, name, organizer_name, organizer_phone, customerservice_phone, start_time, end_time, status_name, live_status_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			organizer_name = EXCLUDED.organizer_name,
			organizer_phone = EXCLUDED.organizer_phone,
			customerservice_phone = EXCLUDED.customerservice_phone,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status_name = EXCLUDED.status_name,
			live_status_name = EXCLUDED.live_status_name
	`
	batch := &pgx.Batch{}
	for _, a := range chunk {
		batch.Queue(stmt, a.ID, a.Name, a.OrganizerName, a.OrganizerPhone, a.CustomerServicePhone,
			a.StartTime, a.EndTime, a.StatusName, a.LiveStatusName)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// SweepFinishedAuctions marks auctions absent from the latest auction-list
// fetch as finished, skipping the sweep when presentIDs is empty.
func (s *Store) SweepFinishedAuctions(ctx context.Context, presentIDs []int64, finishedStatus string) error {
	if len(presentIDs) == 0 {
		s.logger.Debug("store: skipping auction sweep, empty latest fetch")
		return nil
	}
	defer observeUpsert("auctions_sweep", time.Now())
	return s.retryOnDeadlock(ctx, "auctions", func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE auctions SET status_name = $1 WHERE id NOT IN (SELECT unnest($2::bigint[]))`,
			finishedStatus, presentIDs)
		return err
	})
}

// UnfinishedAuctionIDs returns the ids of auctions whose status_name is not
// finishedStatus (or is unset).
func (s *Store) UnfinishedAuctionIDs(ctx context.Context, finishedStatus string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM auctions WHERE status_name IS DISTINCT FROM $1`, finishedStatus)
	if err != nil {
		return nil, fmt.Errorf("store: unfinished auctions query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertSections writes rows in chunks, analogous to UpsertAuctions.
func (s *Store) UpsertSections(ctx context.Context, rows []record.Section) error {
	defer observeUpsert("sections", time.Now())
	sorted := append([]record.Section(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for start := 0; start < len(sorted); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]
		if err := s.retryOnDeadlock(ctx, "sections", func() error { return s.upsertSectionChunk(ctx, chunk) }); err != nil {
			return fmt.Errorf("store: upsert sections chunk [%d:%d): %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) upsertSectionChunk(ctx context.Context, chunk []record.Section) error {
	const stmt = `
		INSERT INTO sections (id, auction_id, name, start_ranking, end_ranking, count, sort_type, start_price, status_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			auction_id = EXCLUDED.auction_id,
			name = EXCLUDED.name,
			start_ranking = EXCLUDED.start_ranking,
			end_ranking = EXCLUDED.end_ranking,
			count = EXCLUDED.count,
			sort_type = EXCLUDED.sort_type,
			start_price = EXCLUDED.start_price,
			status_name = EXCLUDED.status_name
	`
	batch := &pgx.Batch{}
	for _, sec := range chunk {
		batch.Queue(stmt, sec.ID, sec.AuctionID, sec.Name, sec.StartRanking, sec.EndRanking,
			sec.Count, sec.SortType, sec.StartPrice, sec.StatusName)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertPigeons writes rows in chunks, analogous to UpsertAuctions.
func (s *Store) UpsertPigeons(ctx context.Context, rows []record.Pigeon) error {
	defer observeUpsert("pigeons", time.Now())
	sorted := append([]record.Pigeon(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for start := 0; start < len(sorted); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]
		if err := s.retryOnDeadlock(ctx, "pigeons", func() error { return s.upsertPigeonChunk(ctx, chunk) }); err != nil {
			return fmt.Errorf("store: upsert pigeons chunk [%d:%d): %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) upsertPigeonChunk(ctx context.Context, chunk []record.Pigeon) error {
	const stmt = `
		INSERT INTO pigeons (id, code, auction_id, section_id, name, matcher_name, foot_ring, status, status_name, quote, is_current, create_time, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			auction_id = EXCLUDED.auction_id,
			section_id = EXCLUDED.section_id,
			name = EXCLUDED.name,
			matcher_name = EXCLUDED.matcher_name,
			foot_ring = EXCLUDED.foot_ring,
			status = EXCLUDED.status,
			status_name = EXCLUDED.status_name,
			quote = EXCLUDED.quote,
			is_current = EXCLUDED.is_current,
			create_time = EXCLUDED.create_time,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time
	`
	batch := &pgx.Batch{}
	for _, p := range chunk {
		batch.Queue(stmt, p.ID, p.Code, p.AuctionID, p.SectionID, p.Name, p.MatcherName, p.FootRing,
			p.Status, p.StatusName, p.Quote, p.IsCurrent, p.CreateTime, p.StartTime, p.EndTime)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// SweepFinished marks pigeons belonging to auctionID but absent from the
// latest fetch (presentIDs) as finished, in a single statement. When
// presentIDs is empty the sweep is skipped entirely, since an empty latest
// fetch almost always means the source request failed rather than that
// every lot just vanished.
func (s *Store) SweepFinished(ctx context.Context, auctionID int64, presentIDs []int64, finishedStatus string) error {
	if len(presentIDs) == 0 {
		s.logger.Debug("store: skipping sweep, empty latest fetch", slog.Int64("auction_id", auctionID))
		return nil
	}
	defer observeUpsert("pigeons_sweep", time.Now())
	return s.retryOnDeadlock(ctx, "pigeons", func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE pigeons SET status_name = $1 WHERE auction_id = $2 AND id NOT IN (SELECT unnest($3::bigint[]))`,
			finishedStatus, auctionID, presentIDs)
		return err
	})
}

// Statistics is the eight-aggregate summary computed per user_code:
// deal count, total price, and top-two prices, both restricted to the
// queried auction and across all auctions.
type Statistics struct {
	DealCount          int
	TotalPrice         decimal.Decimal
	HighestPrice       decimal.Decimal
	SecondHighestPrice decimal.Decimal

	DealCountAll          int
	TotalPriceAll         decimal.Decimal
	HighestPriceAll       decimal.Decimal
	SecondHighestPriceAll decimal.Decimal
}

// DealHistory chunks userCodes to avoid oversized IN (...) lists and
// returns, per user_code, the raw history rows (all auctions, filtered by
// statusWhitelist, sorted by quote DESC) and the eight-aggregate summary.
func (s *Store) DealHistory(ctx context.Context, userCodes []string, auctionID int64, statusWhitelist []string, chunkSize int) (map[string]Statistics, map[string][]record.HistoryRow, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultHistoryChunkSize
	}
	deals := make(map[string][]record.HistoryRow, len(userCodes))
	statistics := make(map[string]Statistics, len(userCodes))

	for start := 0; start < len(userCodes); start += chunkSize {
		end := start + chunkSize
		if end > len(userCodes) {
			end = len(userCodes)
		}
		chunk := userCodes[start:end]

		rows, err := s.pool.Query(ctx, `
			SELECT b.user_code, b.auction_id, b.pigeon_id,
				COALESCE(p.matcher_name, ''), COALESCE(p.name, ''), COALESCE(p.foot_ring, ''),
				b.quote, b.status, b.create_time
			FROM bid_records b
			LEFT JOIN pigeons p ON p.id = b.pigeon_id
			WHERE b.user_code = ANY($1) AND b.status = ANY($2)
			ORDER BY b.quote DESC
		`, chunk, statusWhitelist)
		if err != nil {
			return nil, nil, fmt.Errorf("store: deal history query: %w", err)
		}

		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var userCode string
				var h record.HistoryRow
				if err := rows.Scan(&userCode, &h.AuctionID, &h.PigeonID,
					&h.MatcherName, &h.Name, &h.FootRing, &h.Quote, &h.StatusName, &h.CreateTime); err != nil {
					return err
				}
				deals[userCode] = append(deals[userCode], h)
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, nil, err
		}
	}

	for userCode, history := range deals {
		statistics[userCode] = computeStatistics(history, auctionID)
	}
	return statistics, deals, nil
}

// computeStatistics keeps the top two prices without a sort, in one loop
// over history that updates two sets of aggregates: one for the current
// auction's rows, one for the full history.
func computeStatistics(history []record.HistoryRow, auctionID int64) Statistics {
	var stats Statistics
	highest, second := decimal.Zero, decimal.Zero
	highestAll, secondAll := decimal.Zero, decimal.Zero

	for _, h := range history {
		stats.DealCountAll++
		stats.TotalPriceAll = stats.TotalPriceAll.Add(h.Quote)
		if h.Quote.GreaterThan(highestAll) {
			secondAll = highestAll
			highestAll = h.Quote
		} else if h.Quote.GreaterThan(secondAll) {
			secondAll = h.Quote
		}

		if h.AuctionID == auctionID {
			stats.DealCount++
			stats.TotalPrice = stats.TotalPrice.Add(h.Quote)
			if h.Quote.GreaterThan(highest) {
				second = highest
				highest = h.Quote
			} else if h.Quote.GreaterThan(second) {
				second = h.Quote
			}
		}
	}
	stats.HighestPrice, stats.SecondHighestPrice = highest, second
	stats.HighestPriceAll, stats.SecondHighestPriceAll = highestAll, secondAll
	return stats
}
