package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/svcreg/pkg/registration"
	"github.com/ryandielhenn/svcreg/pkg/registry"
	"github.com/ryandielhenn/svcreg/pkg/transport"
)

func main() {
	url := flag.String("url", "http://localhost:9000/v1.0/", "registry base url")
	tenant := flag.String("tenant", "bench", "tenant id")
	token := flag.String("token", "", "auth token")
	n := flag.Int("n", 500, "sessions to open")
	conc := flag.Int("c", 32, "concurrency")
	hb := flag.Int("hb", 15, "heartbeat timeout seconds")
	flag.Parse()

	t, err := transport.New(transport.Config{
		BaseURL:    *url,
		Tenant:     *tenant,
		Token:      *token,
		Persistent: true,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	reg := registry.New(t)
	retrier := registration.New(reg.Services, registration.Config{})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		failed    atomic.Int64
		mu        sync.Mutex
		latencies []time.Duration
	)
	start := time.Now()
	ch := make(chan struct{}, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			began := time.Now()
			sess, err := reg.Sessions.Create(ctx, *hb, nil)
			if err != nil {
				failed.Add(1)
				return
			}
			id := fmt.Sprintf("bench-%d", i)
			_, err = retrier.Register(ctx, sess.ID, id, map[string]any{"tags": []string{"bench"}}, registration.Options{RetryCount: 1})
			if err == nil {
				_, err = reg.Sessions.Heartbeat(ctx, sess.ID, sess.Token)
			}
			_ = reg.Services.Remove(ctx, id)
			if err != nil {
				failed.Add(1)
				return
			}

			mu.Lock()
			latencies = append(latencies, time.Since(began))
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)

	ops := *n * 4
	fmt.Printf("Completed %d sessions (%d ops) in %s (%.2f ops/s), %d failed\n",
		*n, ops, dur, float64(ops)/dur.Seconds(), failed.Load())
	if len(latencies) > 0 {
		slices.Sort(latencies)
		pct := func(p float64) time.Duration { return latencies[int(p*float64(len(latencies)-1))] }
		fmt.Printf("session lifecycle latency p50=%s p90=%s p99=%s\n", pct(0.50), pct(0.90), pct(0.99))
	}
}
