// Command axontask-loadgen enqueues a batch of synthetic tasks directly
// through the store, bypassing the API server's quota gate, to generate
// steady background load for exercising the reservation loop and event
// pipeline. Grounded on the teacher's cmd/loadgen/main.go (seeded RNG,
// randomized task shape, progress dots), adapted from task_runs'
// queue/priority columns to AxonTask's adapter/args shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"axontask/internal/store"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := flag.String("tenant", "", "Tenant ID to enqueue tasks under")
	numTasks := flag.Int("tasks", 1000, "Number of tasks to enqueue")
	adapters := flag.String("adapters", "mock,shell", "Comma-separated list of adapter names to pick from")
	timeoutSeconds := flag.Int("timeout", 300, "Task timeout in seconds")
	payloadSize := flag.Int("payload-size", 64, "Size of the random args payload in bytes")
	seed := flag.Int64("seed", 1, "Random seed (fixed by default for reproducible runs)")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("AXONTASK_STORE_URL (or -dsn) required")
	}
	if *tenantID == "" {
		log.Fatal("-tenant required")
	}

	r := rand.New(rand.NewSource(*seed))
	adapterList := strings.Split(*adapters, ",")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	fmt.Printf("enqueuing %d tasks for tenant %s...\n", *numTasks, *tenantID)
	start := time.Now()

	for i := 0; i < *numTasks; i++ {
		adapterName := adapterList[r.Intn(len(adapterList))]
		args, err := randomArgs(r, *payloadSize)
		if err != nil {
			log.Fatalf("encode args: %v", err)
		}

		_, err = st.CreateTask(ctx, *tenantID, store.TaskSpec{
			Name:           fmt.Sprintf("loadgen-%d", i),
			AdapterName:    adapterName,
			Args:           args,
			TimeoutSeconds: *timeoutSeconds,
		})
		if err != nil {
			log.Fatalf("create task %d: %v", i, err)
		}

		if (i+1)%100 == 0 {
			fmt.Print(".")
		}
	}

	fmt.Println()
	log.Printf("done in %v", time.Since(start))
}

func randomArgs(r *rand.Rand, size int) ([]byte, error) {
	payload := make([]byte, size)
	r.Read(payload)
	return json.Marshal(map[string]string{"payload": fmt.Sprintf("%x", payload)})
}
