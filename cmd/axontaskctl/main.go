// Command axontaskctl is the operator CLI: cancel a running task, list
// tasks stuck in a given terminal state, inspect one, and replay a
// terminal task as a fresh Pending one. Subcommand dispatch follows the
// teacher's cmd/reproq/main.go switch-on-os.Args[1] style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"axontask/internal/store"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("axontaskctl version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "cancel":
		runCancel(os.Args[2:])
	case "triage":
		runTriage(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: axontaskctl <cancel|triage|replay|version> [args]")
}

func connect(ctx context.Context, dsn string) *pgxpool.Pool {
	if dsn == "" {
		log.Fatal("--dsn (or AXONTASK_STORE_URL) required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal(err)
	}
	return pool
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := fs.String("tenant", "", "Tenant ID")
	taskID := fs.String("task", "", "Task ID to cancel")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *tenantID == "" || *taskID == "" {
		log.Fatal("--tenant and --task required")
	}

	ctx := context.Background()
	pool := connect(ctx, *dsn)
	defer pool.Close()

	st := store.New(pool)
	if err := st.RequestCancel(ctx, *tenantID, *taskID); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Cancellation requested for task %s\n", *taskID)
}

func runTriage(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: axontaskctl triage <list|inspect> [args]")
		return
	}

	switch args[0] {
	case "list":
		runTriageList(args[1:])
	case "inspect":
		runTriageInspect(args[1:])
	default:
		fmt.Println("usage: axontaskctl triage <list|inspect> [args]")
	}
}

func runTriageList(args []string) {
	fs := flag.NewFlagSet("triage list", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := fs.String("tenant", "", "Tenant ID")
	state := fs.String("state", string(store.Failed), "Task state to list (failed|timed_out|canceled|succeeded)")
	limit := fs.Int("limit", 50, "Max tasks to list")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *tenantID == "" {
		log.Fatal("--tenant required")
	}

	ctx := context.Background()
	pool := connect(ctx, *dsn)
	defer pool.Close()

	st := store.New(pool)
	tasks, err := st.ListTasksByState(ctx, *tenantID, store.TaskState(*state), *limit)
	if err != nil {
		log.Fatal(err)
	}
	if len(tasks) == 0 {
		fmt.Printf("No tasks in state %s.\n", *state)
		return
	}
	fmt.Println("ID\tAdapter\tState\tUpdatedAt\tError")
	for _, t := range tasks {
		errMsg := ""
		if t.ErrorMessage != nil {
			errMsg = *t.ErrorMessage
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", t.ID, t.AdapterName, t.State, t.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), errMsg)
	}
}

func runTriageInspect(args []string) {
	fs := flag.NewFlagSet("triage inspect", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := fs.String("tenant", "", "Tenant ID")
	taskID := fs.String("task", "", "Task ID to inspect")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *tenantID == "" || *taskID == "" {
		log.Fatal("--tenant and --task required")
	}

	ctx := context.Background()
	pool := connect(ctx, *dsn)
	defer pool.Close()

	st := store.New(pool)
	t, err := st.GetTask(ctx, *tenantID, *taskID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("ID:             %s\n", t.ID)
	fmt.Printf("Tenant:         %s\n", t.TenantID)
	fmt.Printf("Name:           %s\n", t.Name)
	fmt.Printf("Adapter:        %s\n", t.AdapterName)
	fmt.Printf("State:          %s\n", t.State)
	fmt.Printf("Cursor:         %d\n", t.Cursor)
	fmt.Printf("BytesStreamed:  %d\n", t.BytesStreamed)
	fmt.Printf("MinutesUsed:    %.2f\n", t.MinutesUsed)
	if t.ExitCode != nil {
		fmt.Printf("ExitCode:       %d\n", *t.ExitCode)
	}
	if t.ErrorMessage != nil {
		fmt.Printf("Error:          %s\n", *t.ErrorMessage)
	}
	fmt.Printf("IntegrityFailed: %t\n", t.IntegrityFailed)
	fmt.Printf("CreatedAt:      %s\n", t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("UpdatedAt:      %s\n", t.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("AXONTASK_STORE_URL"), "Postgres DSN")
	tenantID := fs.String("tenant", "", "Tenant ID")
	taskID := fs.String("task", "", "Task ID to replay")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *tenantID == "" || *taskID == "" {
		log.Fatal("--tenant and --task required")
	}

	ctx := context.Background()
	pool := connect(ctx, *dsn)
	defer pool.Close()

	st := store.New(pool)
	newTask, err := st.ReplayTask(ctx, *tenantID, *taskID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Requeued task %s as new task %s\n", *taskID, newTask.ID)
}
