package usage

import (
	"fmt"
	"math"
	"time"

	"github.com/maypok86/otter/v2"

	gate "github.com/ccgate/ccgate/internal"
)

// Stats is the additive core of an aggregation.
type Stats struct {
	Requests            int64   `json:"requests"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	TotalTokens         int64   `json:"totalTokens"`
	InputCost           float64 `json:"inputCost"`
	OutputCost          float64 `json:"outputCost"`
	CacheCreationCost   float64 `json:"cacheCreationCost"`
	CacheReadCost       float64 `json:"cacheReadCost"`
	TotalCost           float64 `json:"totalCost"`
	Errors              int64   `json:"errors"`
	AvgDurationMs       float64 `json:"avgDurationMs"`
	AvgTokensPerRequest float64 `json:"avgTokensPerRequest"`
	ErrorRate           int     `json:"errorRate"` // percent, integer-rounded

	durationSum int64
}

// Aggregation is the zero aggregation extended with byModel and byHour
// buckets holding the same shape one level deep.
type Aggregation struct {
	Stats
	ByModel map[string]*Stats `json:"byModel"`
	ByHour  map[string]*Stats `json:"byHour"`
}

// LimitStatus reports a tenant's position against its daily cap.
type LimitStatus struct {
	TenantID   string   `json:"tenantId"`
	Date       string   `json:"date"`
	SpendUSD   float64  `json:"spendUSD"`
	MaxUSD     *float64 `json:"maxUSD"` // nil = unlimited
	Percentage int      `json:"percentage"`
	Exceeded   bool     `json:"exceeded"`
}

func newAggregation() *Aggregation {
	return &Aggregation{
		ByModel: make(map[string]*Stats),
		ByHour:  make(map[string]*Stats),
	}
}

func (st *Stats) add(rec *gate.UsageRecord) {
	st.Requests++
	st.InputTokens += rec.InputTokens
	st.OutputTokens += rec.OutputTokens
	st.CacheCreationTokens += rec.CacheCreationTokens
	st.CacheReadTokens += rec.CacheReadTokens
	st.TotalTokens += rec.TotalTokens
	st.InputCost += rec.InputCost
	st.OutputCost += rec.OutputCost
	st.CacheCreationCost += rec.CacheCreationCost
	st.CacheReadCost += rec.CacheReadCost
	st.TotalCost += rec.TotalCost
	if rec.StatusCode >= 400 {
		st.Errors++
	}
	st.durationSum += rec.DurationMs
}

func (st *Stats) finalize() {
	if st.Requests == 0 {
		return
	}
	st.AvgDurationMs = float64(st.durationSum) / float64(st.Requests)
	st.AvgTokensPerRequest = float64(st.TotalTokens) / float64(st.Requests)
	st.ErrorRate = int(math.Round(float64(st.Errors) / float64(st.Requests) * 100))
}

func (a *Aggregation) addRecord(rec *gate.UsageRecord) {
	a.Stats.add(rec)

	model := rec.Model
	if model == "" {
		model = "unknown"
	}
	ms, ok := a.ByModel[model]
	if !ok {
		ms = &Stats{}
		a.ByModel[model] = ms
	}
	ms.add(rec)

	hour := fmt.Sprintf("%02d", rec.Timestamp.UTC().Hour())
	hs, ok := a.ByHour[hour]
	if !ok {
		hs = &Stats{}
		a.ByHour[hour] = hs
	}
	hs.add(rec)
}

func (a *Aggregation) finalize() {
	a.Stats.finalize()
	for _, st := range a.ByModel {
		st.finalize()
	}
	for _, st := range a.ByHour {
		st.finalize()
	}
}

// merge folds other's additive counters into a. Bucket averages are
// recomputed by the caller via finalize.
func (a *Aggregation) merge(other *Aggregation) {
	a.Requests += other.Requests
	a.InputTokens += other.InputTokens
	a.OutputTokens += other.OutputTokens
	a.CacheCreationTokens += other.CacheCreationTokens
	a.CacheReadTokens += other.CacheReadTokens
	a.TotalTokens += other.TotalTokens
	a.InputCost += other.InputCost
	a.OutputCost += other.OutputCost
	a.CacheCreationCost += other.CacheCreationCost
	a.CacheReadCost += other.CacheReadCost
	a.TotalCost += other.TotalCost
	a.Errors += other.Errors
	a.durationSum += other.durationSum

	for model, st := range other.ByModel {
		dst, ok := a.ByModel[model]
		if !ok {
			dst = &Stats{}
			a.ByModel[model] = dst
		}
		mergeStats(dst, st)
	}
	for hour, st := range other.ByHour {
		dst, ok := a.ByHour[hour]
		if !ok {
			dst = &Stats{}
			a.ByHour[hour] = dst
		}
		mergeStats(dst, st)
	}
}

func mergeStats(dst, src *Stats) {
	dst.Requests += src.Requests
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.CacheCreationTokens += src.CacheCreationTokens
	dst.CacheReadTokens += src.CacheReadTokens
	dst.TotalTokens += src.TotalTokens
	dst.InputCost += src.InputCost
	dst.OutputCost += src.OutputCost
	dst.CacheCreationCost += src.CacheCreationCost
	dst.CacheReadCost += src.CacheReadCost
	dst.TotalCost += src.TotalCost
	dst.Errors += src.Errors
	dst.durationSum += src.durationSum
}

// --- Cache ---

// aggCache caches aggregations for completed days; past daily files are
// immutable so entries never go stale. Today's aggregation is never cached.
type aggCache struct {
	cache *otter.Cache[string, *Aggregation]
}

const aggCacheMaxLen = 4096

func newAggCache() *aggCache {
	c, err := otter.New(&otter.Options[string, *Aggregation]{
		MaximumSize: aggCacheMaxLen,
	})
	if err != nil {
		// Only reachable with invalid static options.
		panic(err)
	}
	return &aggCache{cache: c}
}

func (c *aggCache) key(tenantID string, day time.Time) string {
	return tenantID + "/" + day.UTC().Format(DateFormat)
}

// --- Queries ---

// DailyUsage aggregates one tenant-day. A missing file yields the zero
// aggregation.
func (s *Store) DailyUsage(tenantID string, day time.Time) (*Aggregation, error) {
	day = day.UTC()
	today := time.Now().UTC().Format(DateFormat)
	cacheable := day.Format(DateFormat) < today

	if cacheable {
		if agg, ok := s.agg.cache.GetIfPresent(s.agg.key(tenantID, day)); ok {
			return agg, nil
		}
	}

	records, err := s.readDay(tenantID, day)
	if err != nil {
		return nil, err
	}
	agg := newAggregation()
	for i := range records {
		agg.addRecord(&records[i])
	}
	agg.finalize()

	if cacheable {
		s.agg.cache.Set(s.agg.key(tenantID, day), agg)
	}
	return agg, nil
}

// RangeUsage aggregates the inclusive [start, end] day range. Missing
// daily files contribute nothing.
func (s *Store) RangeUsage(tenantID string, start, end time.Time) (*Aggregation, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return nil, fmt.Errorf("usage: range end %s before start %s",
			end.Format(DateFormat), start.Format(DateFormat))
	}

	total := newAggregation()
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		agg, err := s.DailyUsage(tenantID, day)
		if err != nil {
			return nil, err
		}
		total.merge(agg)
	}
	total.finalize()
	return total, nil
}

// WeeklyUsage aggregates the 7 days starting at startDate.
func (s *Store) WeeklyUsage(tenantID string, startDate time.Time) (*Aggregation, error) {
	start := startDate.UTC().Truncate(24 * time.Hour)
	return s.RangeUsage(tenantID, start, start.AddDate(0, 0, 6))
}

// MonthlyUsage aggregates one calendar month.
func (s *Store) MonthlyUsage(tenantID string, year, month int) (*Aggregation, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return s.RangeUsage(tenantID, start, end)
}

// Limit reports today's spend against the tenant's daily cap. A nil cap
// means unlimited and never exceeds.
func (s *Store) Limit(tenantID string, maxUSD *float64) (LimitStatus, error) {
	spend, err := s.TodaySpend(tenantID)
	if err != nil {
		return LimitStatus{}, err
	}
	status := LimitStatus{
		TenantID: tenantID,
		Date:     time.Now().UTC().Format(DateFormat),
		SpendUSD: spend,
		MaxUSD:   maxUSD,
	}
	if maxUSD != nil && *maxUSD > 0 {
		status.Percentage = int(math.Round(spend / *maxUSD * 100))
		status.Exceeded = spend >= *maxUSD
	}
	return status, nil
}

// ParseDate parses a YYYY-MM-DD value in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
