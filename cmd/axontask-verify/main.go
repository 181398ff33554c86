// Command axontask-verify walks a tenant's tasks and recomputes each
// task's event-log hash chain from hash_prev, rejecting any break,
// checking the same invariant the worker's event pipeline enforces on
// write. Grounded on the teacher's cmd/verify/main.go shape (connect,
// run a handful of named checks, print PASS/FAIL per check), adapted
// from task_runs lease/attempt checks to the hash-chain property that
// actually matters for this domain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"axontask/internal/eventpipeline"
	"axontask/internal/store"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := flag.String("tenant", "", "Tenant ID to verify")
	perStateLimit := flag.Int("limit", 500, "Max tasks to check per state")
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
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	states := []store.TaskState{
		store.Pending, store.Running, store.Succeeded,
		store.Failed, store.Canceled, store.TimedOut,
	}

	var checked, broken int
	for _, state := range states {
		tasks, err := st.ListTasksByState(ctx, *tenantID, state, *perStateLimit)
		if err != nil {
			log.Fatalf("list tasks in state %s: %v", state, err)
		}
		for _, t := range tasks {
			checked++
			if err := verifyChain(ctx, st, t.ID); err != nil {
				broken++
				fmt.Printf("[FAIL] task %s (%s): %v\n", t.ID, state, err)
			}
		}
	}

	if broken == 0 {
		fmt.Printf("[PASS] verified %d task event chains, no breaks found\n", checked)
		return
	}
	fmt.Printf("[FAIL] %d of %d task event chains broken\n", broken, checked)
	os.Exit(1)
}

// verifyChain recomputes every event's hash_curr from its own
// hash_prev/seq/kind/payload and checks both the stored value and the
// chain link to the previous event's hash_curr. Events folded into a
// snapshot are never read back (per internal/store/snapshots.go's
// LatestSnapshot doc comment), so a compacted task's chain is verified
// starting at the snapshot's upto_seq/hash_curr rather than assuming
// seq 0 is still present.
func verifyChain(ctx context.Context, st *store.Store, taskID string) error {
	const pageSize = 256
	var fromSeq int64
	var prevHash []byte

	snap, err := st.LatestSnapshot(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read latest snapshot: %w", err)
	}
	if snap != nil {
		fromSeq = int64(snap.UptoSeq) + 1
		prevHash = snap.HashCurr
	}

	for {
		events, err := st.EventsRange(ctx, taskID, fromSeq, pageSize)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if ev.Seq == 0 {
				if ev.HashPrev != nil {
					return fmt.Errorf("seq 0 has non-nil hash_prev")
				}
			} else if string(ev.HashPrev) != string(prevHash) {
				return fmt.Errorf("seq %d hash_prev does not match seq %d's hash_curr", ev.Seq, ev.Seq-1)
			}

			want, err := eventpipeline.ComputeHash(ev.HashPrev, ev.Seq, string(ev.Kind), ev.Payload)
			if err != nil {
				return fmt.Errorf("recompute hash for seq %d: %w", ev.Seq, err)
			}
			if string(want) != string(ev.HashCurr) {
				return fmt.Errorf("seq %d hash_curr mismatch", ev.Seq)
			}

			prevHash = ev.HashCurr
			fromSeq = int64(ev.Seq) + 1
		}

		if len(events) < pageSize {
			return nil
		}
	}
}
