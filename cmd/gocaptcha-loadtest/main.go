// gocaptcha-loadtest hammers a Store with concurrent TryAuth calls and
// reports throughput and latency percentiles. Without -redis-addr it
// spins up an in-process miniredis for the shared limit window.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goCaptcha "github.com/MrWexor/goCaptcha"
)

const knownAnswer = "42"

// staticRenderer produces challenges with a fixed answer so the load
// generator can answer correctly on purpose.
type staticRenderer struct{}

func (staticRenderer) Create(context.Context) (*goCaptcha.Challenge, error) {
	return &goCaptcha.Challenge{
		Choices: []string{"17", knownAnswer, "63"},
		Answer:  knownAnswer,
	}, nil
}

func main() {
	var (
		subjects    = flag.Int("subjects", 10000, "number of distinct subjects")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "total TryAuth operations")
		wrongRatio  = flag.Float64("wrong-ratio", 0.1, "fraction of answers given wrong on purpose")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		sharedLimit = flag.Bool("shared-limit", false, "mirror wrong counts in redis")
	)
	flag.Parse()

	if *subjects <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "subjects, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	if *wrongRatio < 0 || *wrongRatio > 1 {
		fmt.Fprintln(os.Stderr, "wrong-ratio must be in [0, 1]")
		os.Exit(2)
	}

	ctx := context.Background()

	cfg := goCaptcha.DefaultConfig()
	cfg.Queue.Capacity = *concurrency
	cfg.Queue.CheckInterval = 10 * time.Millisecond
	cfg.Auth.TooFast = 0

	builder := goCaptcha.New().
		WithConfig(cfg).
		WithRenderer(staticRenderer{}).
		WithLatencyHistograms()

	var cleanup func()
	if *sharedLimit {
		addr := *redisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
				os.Exit(1)
			}
			addr = mr.Addr()
			fmt.Printf("using miniredis at %s\n", addr)
			cleanup = mr.Close
		} else {
			fmt.Printf("using redis at %s\n", addr)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		builder = builder.WithRedis(client)
		prev := cleanup
		cleanup = func() {
			_ = client.Close()
			if prev != nil {
				prev()
			}
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	store, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := store.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		wg        sync.WaitGroup
		cursor    int64
		errors    int64
		successes int64
		latencies = make([]time.Duration, 0, *ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= *ops {
					return
				}
				subject := fmt.Sprintf("subject-%d", r.Intn(*subjects))
				answer := knownAnswer
				if r.Float64() < *wrongRatio {
					answer = "bogus"
				}
				t0 := time.Now()
				res := store.TryAuth(ctx, subject, answer)
				d := time.Since(t0)
				switch res.State {
				case goCaptcha.StateError:
					atomic.AddInt64(&errors, 1)
				case goCaptcha.StateSuccess:
					atomic.AddInt64(&successes, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)

	printStats(total, latencies, errors, successes)

	snap := store.MetricsSnapshot()
	fmt.Println("---- counters ----")
	fmt.Printf("issued=%d wrong=%d limited=%d success=%d render_failures=%d\n",
		snap.Counters[goCaptcha.MetricChallengeIssued],
		snap.Counters[goCaptcha.MetricAuthWrong],
		snap.Counters[goCaptcha.MetricAuthLimited],
		snap.Counters[goCaptcha.MetricAuthSuccess],
		snap.Counters[goCaptcha.MetricRenderFailure],
	)
	qs := store.QueueStats()
	fmt.Printf("queue: capacity=%d ready=%d pending=%d parked=%d\n",
		qs.Capacity, qs.Ready, qs.Pending, qs.Parked)
}

func printStats(total time.Duration, samples []time.Duration, errors, successes int64) {
	if len(samples) == 0 {
		fmt.Println("no samples")
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	fmt.Println("---- results ----")
	fmt.Printf("tryauth: ops=%d errors=%d successes=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		len(samples),
		errors,
		successes,
		total.Round(time.Millisecond),
		float64(len(samples))/total.Seconds(),
		percentile(samples, 50).Round(time.Microsecond),
		percentile(samples, 95).Round(time.Microsecond),
		percentile(samples, 99).Round(time.Microsecond),
	)
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}
