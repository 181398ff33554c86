// Command axontask-torture hammers the store with concurrent CreateTask
// calls from many goroutines at once, grounded on the teacher's
// cmd/torture/main.go (fixed batch size, one goroutine per batch,
// WaitGroup join), adapted from the teacher's raw INSERT loop to going
// through store.CreateTask so the same constraints and defaults the API
// server relies on are exercised under concurrency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"axontask/internal/store"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := flag.String("tenant", "", "Tenant ID to enqueue tasks under")
	count := flag.Int("count", 1000, "Number of tasks to enqueue")
	batchSize := flag.Int("batch", 100, "Tasks per goroutine")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("AXONTASK_STORE_URL (or -dsn) required")
	}
	if *tenantID == "" {
		log.Fatal("-tenant required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	st := store.New(pool)

	fmt.Printf("starting torture test: enqueuing %d tasks across %d-task batches...\n", *count, *batchSize)

	var wg sync.WaitGroup
	var failures int64
	start := time.Now()

	for i := 0; i < *count; i += *batchSize {
		wg.Add(1)
		go func(from int) {
			defer wg.Done()
			to := from + *batchSize
			if to > *count {
				to = *count
			}
			for j := from; j < to; j++ {
				args, _ := json.Marshal(map[string]int{"i": j})
				_, err := st.CreateTask(ctx, *tenantID, store.TaskSpec{
					Name:           fmt.Sprintf("torture-%d", j),
					AdapterName:    "mock",
					Args:           args,
					TimeoutSeconds: 30,
				})
				if err != nil {
					atomic.AddInt64(&failures, 1)
					fmt.Printf("insert error at %d: %v\n", j, err)
				}
			}
		}(i)
	}

	wg.Wait()

	elapsed := time.Since(start)
	if failures > 0 {
		fmt.Printf("finished in %v with %d failures out of %d inserts\n", elapsed, failures, *count)
		os.Exit(1)
	}
	fmt.Printf("enqueued %d tasks successfully in %v\n", *count, elapsed)
}
