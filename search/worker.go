package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"leadsearch/cachekey"
	"leadsearch/domain"
	"leadsearch/gateway"
	"leadsearch/grid"
	"leadsearch/inflight"
	"leadsearch/places"
	"leadsearch/pubsub"
	"leadsearch/store"
	"leadsearch/streamq"
)

// Worker executes dispatched search jobs: a single provider call for
// standard/pagination queries, a seeded 9-cell grid scan for deep ones.
// All upstream traffic goes through the gateway and its gates.
type Worker struct {
	jobs       store.SearchJobStore
	gw         *gateway.Gateway
	hot        *store.HotCache
	durable    *store.DurableCache
	inflight   *inflight.Registry
	pub        pubsub.Publisher
	logger     *slog.Logger
	maxResults int
}

func NewWorker(jobs store.SearchJobStore, gw *gateway.Gateway, hot *store.HotCache, durable *store.DurableCache, reg *inflight.Registry, pub pubsub.Publisher, logger *slog.Logger) *Worker {
	if pub == nil {
		pub = pubsub.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:       jobs,
		gw:         gw,
		hot:        hot,
		durable:    durable,
		inflight:   reg,
		pub:        pub,
		logger:     logger,
		maxResults: 20,
	}
}

// Process handles one dequeued job. Terminal results are ACKed; infra
// errors (job store unreachable) keep the message pending for auto-claim.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	job, ok, err := w.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(nil)
	}
	// Re-delivered message for a finished job: terminal states are final.
	if job.Status.Terminal() {
		return streamq.Terminal(nil)
	}

	w.setProgress(job, 5, nil)

	var result *domain.CachedResult
	if job.Query.DeepSearch && (job.Query.FirstPage() || cachekey.IsDeepScanToken(job.Query.PageToken)) {
		result, err = w.runDeepScan(ctx, job)
	} else {
		result, err = w.runPageFetch(ctx, job)
	}
	if err != nil {
		return streamq.Terminal(w.fail(job, err))
	}

	result.FetchedAt = time.Now()
	// The payload expiry mirrors the durable tier, the longest-lived copy;
	// the hot entry's shorter freshness horizon is its key TTL, not the
	// payload's.
	if ttl := w.durable.TTL(); ttl > 0 {
		result.ExpiresAt = result.FetchedAt.Add(ttl)
	} else {
		result.ExpiresAt = result.FetchedAt.Add(w.hot.TTL())
	}

	if err := w.durable.Set(ctx, job.CacheKey, result); err != nil {
		w.logger.Warn("durable cache write failed", "jobId", job.ID, "err", err)
	}
	w.hot.Set(ctx, job.CacheKey, result, 0)

	_, _, _ = w.jobs.Update(job.ID, func(j *domain.SearchJob) {
		if j.Status.Terminal() {
			return
		}
		j.Status = domain.SearchJobStatusCompleted
		j.Progress = 100
		j.Result = result
		j.Error = ""
	})
	w.publish(job.ID, pubsub.ProgressEvent{
		JobID:    job.ID,
		Status:   string(domain.SearchJobStatusCompleted),
		Progress: 100,
	})
	w.clearInflight(job)
	return streamq.Terminal(nil)
}

// runPageFetch serves standard first pages and any opaque-token pagination
// with a single gateway call.
func (w *Worker) runPageFetch(ctx context.Context, job *domain.SearchJob) (*domain.CachedResult, error) {
	q := job.Query
	page, err := w.gw.SearchText(ctx, q.Keyword+" in "+q.City, places.SearchOptions{
		PageToken:  q.PageToken,
		MaxResults: w.maxResults,
	}, job.UserID)
	if err != nil {
		return nil, err
	}
	w.setProgress(job, 80, page.Places)
	return &domain.CachedResult{
		Places:        page.Places,
		NextPageToken: page.NextPageToken,
	}, nil
}

// runDeepScan covers the whole city area: a seed text search establishes the
// viewport, which is split into a 3x3 grid of point searches. Interruptions
// after partial progress (budget, breaker, inflight) finish the job early
// with a deepscan continuation token instead of failing, so the collected
// leads are kept and a later, cheaper job resumes at the next cell.
func (w *Worker) runDeepScan(ctx context.Context, job *domain.SearchJob) (*domain.CachedResult, error) {
	q := job.Query

	var (
		collected []domain.PlaceSummary
		seen      = map[string]bool{}
		startCell = 0
		ne, sw    grid.LatLng
	)

	if cachekey.IsDeepScanToken(q.PageToken) {
		cell, tokNE, tokSW, err := parseDeepScanToken(q.PageToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamFatal, err)
		}
		startCell, ne, sw = cell, tokNE, tokSW
	} else {
		seedPage, err := w.gw.SearchText(ctx, q.Keyword+" in "+q.City, places.SearchOptions{MaxResults: w.maxResults}, job.UserID)
		if err != nil {
			return nil, err
		}
		collected = mergePlaces(collected, seen, seedPage.Places)
		w.setProgress(job, 10, seedPage.Places)

		var ok bool
		ne, sw, ok = boundingViewport(seedPage.Places)
		if !ok {
			// No coordinates to grid over; the seed results are the scan.
			return &domain.CachedResult{Places: collected}, nil
		}
	}

	cells := grid.Generate3x3Grid(ne, sw)
	for i := startCell; i < len(cells); i++ {
		cell := cells[i]
		page, err := w.gw.SearchText(ctx, q.Keyword, places.SearchOptions{
			Lat:          cell.Center.Lat,
			Lng:          cell.Center.Lng,
			RadiusMeters: cell.Radius,
			MaxResults:   w.maxResults,
		}, job.UserID)
		if err != nil {
			if len(collected) > 0 && resumable(err) {
				w.logger.Warn("deep scan interrupted, finishing with continuation token",
					"jobId", job.ID, "cell", i, "err", err)
				return &domain.CachedResult{
					Places:        collected,
					NextPageToken: formatDeepScanToken(i, ne, sw),
				}, nil
			}
			return nil, err
		}
		fresh := newPlaces(seen, page.Places)
		collected = mergePlaces(collected, seen, page.Places)
		w.setProgress(job, 10+(i+1)*10, fresh)

		if err := w.inflight.Refresh(ctx, job.CacheKey, job.ID); err != nil {
			w.logger.Warn("inflight refresh failed", "jobId", job.ID, "err", err)
		}
	}
	return &domain.CachedResult{Places: collected}, nil
}

// resumable reports whether a scan interruption should keep partial results
// rather than fail the job.
func resumable(err error) bool {
	return errors.Is(err, domain.ErrBudgetExceeded) ||
		errors.Is(err, domain.ErrBreakerOpen) ||
		errors.Is(err, domain.ErrInflightLimit) ||
		errors.Is(err, domain.ErrUpstreamTransient)
}

func (w *Worker) fail(job *domain.SearchJob, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, _, _ = w.jobs.Update(job.ID, func(j *domain.SearchJob) {
		if j.Status.Terminal() {
			return
		}
		j.Status = domain.SearchJobStatusFailed
		j.Error = msg
	})
	w.publish(job.ID, pubsub.ProgressEvent{
		JobID:  job.ID,
		Status: string(domain.SearchJobStatusFailed),
		Error:  msg,
	})
	// Free the key so a later caller can retry. The leader's credit spend is
	// not auto-refunded here; see the refund open question.
	w.clearInflight(job)
	return err
}

func (w *Worker) clearInflight(job *domain.SearchJob) {
	if err := w.inflight.Clear(context.Background(), job.CacheKey); err != nil {
		w.logger.Warn("inflight clear failed", "jobId", job.ID, "key", job.CacheKey, "err", err)
	}
}

func (w *Worker) setProgress(job *domain.SearchJob, progress int, batch []domain.PlaceSummary) {
	if progress > 99 {
		progress = 99
	}
	_, _, _ = w.jobs.Update(job.ID, func(j *domain.SearchJob) {
		if j.Status.Terminal() {
			return
		}
		j.Status = domain.SearchJobStatusActive
		if progress > j.Progress {
			j.Progress = progress
		}
	})
	ev := pubsub.ProgressEvent{
		JobID:    job.ID,
		Status:   string(domain.SearchJobStatusActive),
		Progress: progress,
	}
	if len(batch) > 0 {
		ev.Batch = batch
	}
	w.publish(job.ID, ev)
}

func (w *Worker) publish(jobID string, ev pubsub.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.pub.Publish(ctx, pubsub.JobChannel(jobID), ev); err != nil {
		w.logger.Warn("progress publish failed", "jobId", jobID, "err", err)
	}
}

func newPlaces(seen map[string]bool, in []domain.PlaceSummary) []domain.PlaceSummary {
	var out []domain.PlaceSummary
	for _, p := range in {
		if p.PlaceID == "" || !seen[p.PlaceID] {
			out = append(out, p)
		}
	}
	return out
}

func mergePlaces(dst []domain.PlaceSummary, seen map[string]bool, in []domain.PlaceSummary) []domain.PlaceSummary {
	for _, p := range in {
		if p.PlaceID != "" {
			if seen[p.PlaceID] {
				continue
			}
			seen[p.PlaceID] = true
		}
		dst = append(dst, p)
	}
	return dst
}

// boundingViewport derives the scan area from seed result coordinates,
// padded 10% per side so edge businesses stay inside cell coverage.
func boundingViewport(ps []domain.PlaceSummary) (ne, sw grid.LatLng, ok bool) {
	first := true
	for _, p := range ps {
		if p.Latitude == 0 && p.Longitude == 0 {
			continue
		}
		if first {
			ne = grid.LatLng{Lat: p.Latitude, Lng: p.Longitude}
			sw = ne
			first = false
			continue
		}
		if p.Latitude > ne.Lat {
			ne.Lat = p.Latitude
		}
		if p.Latitude < sw.Lat {
			sw.Lat = p.Latitude
		}
		if p.Longitude > ne.Lng {
			ne.Lng = p.Longitude
		}
		if p.Longitude < sw.Lng {
			sw.Lng = p.Longitude
		}
	}
	if first || (ne.Lat == sw.Lat && ne.Lng == sw.Lng) {
		return grid.LatLng{}, grid.LatLng{}, false
	}
	padLat := (ne.Lat - sw.Lat) * 0.1
	padLng := (ne.Lng - sw.Lng) * 0.1
	ne.Lat += padLat
	sw.Lat -= padLat
	ne.Lng += padLng
	sw.Lng -= padLng
	return ne, sw, true
}

// Deep-scan continuation tokens carry the resumption state verbatim:
// deepscan:<nextCell>:<neLat>:<neLng>:<swLat>:<swLng>
func formatDeepScanToken(nextCell int, ne, sw grid.LatLng) string {
	return fmt.Sprintf("%s%d:%.5f:%.5f:%.5f:%.5f",
		cachekey.DeepScanTokenPrefix, nextCell, ne.Lat, ne.Lng, sw.Lat, sw.Lng)
}

func parseDeepScanToken(token string) (cell int, ne, sw grid.LatLng, err error) {
	rest := strings.TrimPrefix(strings.TrimSpace(token), cachekey.DeepScanTokenPrefix)
	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return 0, ne, sw, fmt.Errorf("malformed deep-scan token %q", token)
	}
	cell, err = strconv.Atoi(parts[0])
	if err != nil || cell < 0 {
		return 0, ne, sw, fmt.Errorf("malformed deep-scan token %q", token)
	}
	coords := make([]float64, 4)
	for i, raw := range parts[1:] {
		coords[i], err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, ne, sw, fmt.Errorf("malformed deep-scan token %q", token)
		}
	}
	ne = grid.LatLng{Lat: coords[0], Lng: coords[1]}
	sw = grid.LatLng{Lat: coords[2], Lng: coords[3]}
	return cell, ne, sw, nil
}
