package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the job ledger, scale
// controller, and HTTP API. This is intentionally minimal and
// in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsTotal        = make(map[string]int64)
	jobDurationMsSum int64
	jobDurationMsCnt int64

	queuedDepth     int64
	inflightCount   int64
	desiredReplicas int64

	claimsReclaimedTotal int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobOutcome counts a job reaching a terminal-ish outcome
// (completed, failed, or dead).
func RecordJobOutcome(state string) {
	mu.Lock()
	defer mu.Unlock()
	jobsTotal[state]++
}

// RecordJobDuration records the claim-to-finalize wall time of one
// worker invocation.
func RecordJobDuration(ms int64) {
	if ms < 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	jobDurationMsSum += ms
	jobDurationMsCnt++
}

// SetQueueDepth updates the queued-depth gauge (the scaling signal).
func SetQueueDepth(n int64) {
	mu.Lock()
	defer mu.Unlock()
	queuedDepth = n
}

// SetInflight updates the gauge of jobs under an active lease.
func SetInflight(n int64) {
	mu.Lock()
	defer mu.Unlock()
	inflightCount = n
}

// SetDesiredReplicas updates the gauge of the controller's last
// scale intent.
func SetDesiredReplicas(n int64) {
	mu.Lock()
	defer mu.Unlock()
	desiredReplicas = n
}

// RecordReclaimed counts leases reset by the stale-claim sweep.
func RecordReclaimed(n int64) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	claimsReclaimedTotal += n
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP vellum_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE vellum_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "vellum_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP vellum_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE vellum_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP vellum_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE vellum_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "vellum_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "vellum_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	// Job outcome counters
	b.WriteString("# HELP vellum_jobs_total Total jobs by terminal outcome\n")
	b.WriteString("# TYPE vellum_jobs_total counter\n")

	var states []string
	for s := range jobsTotal {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&b, "vellum_jobs_total{state=\"%s\"} %d\n", s, jobsTotal[s])
	}

	b.WriteString("# HELP vellum_job_duration_ms_sum Total claim-to-finalize duration in milliseconds\n")
	b.WriteString("# TYPE vellum_job_duration_ms_sum counter\n")
	fmt.Fprintf(&b, "vellum_job_duration_ms_sum %d\n", jobDurationMsSum)
	b.WriteString("# HELP vellum_job_duration_ms_count Finished worker invocations for the duration metric\n")
	b.WriteString("# TYPE vellum_job_duration_ms_count counter\n")
	fmt.Fprintf(&b, "vellum_job_duration_ms_count %d\n", jobDurationMsCnt)

	// Queue gauges
	b.WriteString("# HELP vellum_jobs_queued_depth Jobs waiting or in flight under an active lease\n")
	b.WriteString("# TYPE vellum_jobs_queued_depth gauge\n")
	fmt.Fprintf(&b, "vellum_jobs_queued_depth %d\n", queuedDepth)

	b.WriteString("# HELP vellum_jobs_inflight Jobs currently held under an active lease\n")
	b.WriteString("# TYPE vellum_jobs_inflight gauge\n")
	fmt.Fprintf(&b, "vellum_jobs_inflight %d\n", inflightCount)

	b.WriteString("# HELP vellum_scale_desired_replicas Worker replica count last requested by the controller\n")
	b.WriteString("# TYPE vellum_scale_desired_replicas gauge\n")
	fmt.Fprintf(&b, "vellum_scale_desired_replicas %d\n", desiredReplicas)

	b.WriteString("# HELP vellum_claims_reclaimed_total Claims reset by the stale-lease sweep\n")
	b.WriteString("# TYPE vellum_claims_reclaimed_total counter\n")
	fmt.Fprintf(&b, "vellum_claims_reclaimed_total %d\n", claimsReclaimedTotal)

	return b.String()
}
