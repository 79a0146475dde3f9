package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/agentcore/internal/migrate"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "agentcore-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "agentcore.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	res, err := migrate.New(store, migrate.Options{}).MigrateToLatest(ctx)
	if err != nil {
		fmt.Printf("migrate_error=%v\n", err)
		os.Exit(1)
	}

	agent := &persistence.Agent{Name: "drill-agent", Owner: "drill"}
	if err := persistence.Insert(ctx, store.DB(), agent); err != nil {
		fmt.Printf("create_agent_error=%v\n", err)
		os.Exit(1)
	}
	sched := scheduler.New(store, scheduler.Options{})
	for i := 0; i < drillTasks; i++ {
		task := &persistence.Task{Name: fmt.Sprintf("backup-%d", i), Owner: "drill"}
		if err := persistence.Insert(ctx, store.DB(), task); err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		at, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: task.ID})
		if err != nil {
			fmt.Printf("assign_error=%v\n", err)
			os.Exit(1)
		}
		for _, status := range []string{persistence.AssignRunning, persistence.AssignCompleted} {
			if _, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{
				AssignmentID: at.ID, Status: status, Result: map[string]any{"reply": "ok"},
			}); err != nil {
				fmt.Printf("update_status_error=%v status=%s\n", err, status)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, persistence.Options{})
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	st, err := migrate.New(restoreStore, migrate.Options{}).GetMigrationStatus(ctx)
	if err != nil {
		fmt.Printf("restore_status_error=%v\n", err)
		os.Exit(1)
	}
	restoreEnd := time.Now().UTC()

	db := restoreStore.DB()
	tasksCount, err := persistence.Count(ctx, db, persistence.TableTasks, "")
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	completed, err := persistence.Count(ctx, db, persistence.TableAgentTaskRels, `"status" = ?`, persistence.AssignCompleted)
	if err != nil {
		fmt.Printf("count_assignments_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("schema_version=%s restored_version=%s\n", res.To, st.CurrentVersion)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", tasksCount)
	fmt.Printf("restored_completed_assignments=%d\n", completed)

	if tasksCount < drillTasks || completed < drillTasks || st.NeedsMigration || st.CurrentVersion != res.To {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
