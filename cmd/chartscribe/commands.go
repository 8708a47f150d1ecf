// ABOUTME: Cobra subcommand definitions for the chartscribe CLI
// ABOUTME: Covers migrations, recordings, the processing queue, and analyses

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chartscribe/chartscribe/internal/store"
)

func init() {
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd, migrateDownCmd)

	recordingsListCmd.Flags().Int("limit", 20, "maximum rows to return")
	recordingsListCmd.Flags().Int("offset", 0, "rows to skip")
	recordingsListCmd.Flags().String("order-by", "created_at", "sort column")
	recordingsCreateCmd.Flags().String("patient", "", "patient name")
	recordingsCreateCmd.Flags().String("audio", "", "path to the audio file")
	recordingsCmd.AddCommand(recordingsListCmd, recordingsSearchCmd, recordingsCreateCmd, recordingsDeleteCmd)

	queueAddCmd.Flags().Int("priority", 0, "task priority (0-10)")
	queueBatchCmd.Flags().Int("priority", 0, "task priority (0-10)")
	queueCmd.AddCommand(queueAddCmd, queueBatchCmd, queueStatusCmd)

	analysesCmd.AddCommand(analysesVersionsCmd)

	doctorCmd.Flags().Int("workers", 4, "concurrent workers to exercise")

	rootCmd.AddCommand(migrateCmd, recordingsCmd, queueCmd, analysesCmd, doctorCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect and apply schema migrations",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current schema version and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		engine := s.Migrations()
		current, err := engine.CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("schema version: %d\n", current)

		applied, err := engine.Applied(cmd.Context())
		if err != nil {
			return err
		}
		for _, rec := range applied {
			fmt.Printf("  %s v%d %s (%s)\n", color.GreenString("applied"), rec.Version, rec.Name, rec.AppliedAt.Format("2006-01-02 15:04"))
		}
		pending, err := engine.Pending(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range pending {
			fmt.Printf("  %s v%d %s\n", color.YellowString("pending"), m.Version, m.Name)
		}
		return nil
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Open already migrates to the latest version; report where we landed.
		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		current, err := s.Migrations().CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("schema up to date at version %d\n", current)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down <version>",
	Short: "Roll the schema back to a target version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target int
		if _, err := fmt.Sscanf(args[0], "%d", &target); err != nil {
			return fmt.Errorf("invalid target version %q", args[0])
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		if err := s.Migrations().Rollback(cmd.Context(), target); err != nil {
			return err
		}
		fmt.Printf("schema rolled back to version %d\n", target)
		return nil
	},
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Manage stored recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		orderBy, _ := cmd.Flags().GetString("order-by")

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		recordings, err := s.ListRecordings(cmd.Context(), store.ListOptions{
			Limit:      limit,
			Offset:     offset,
			OrderBy:    orderBy,
			Descending: true,
		})
		if err != nil {
			return err
		}
		printRecordings(recordings)
		return nil
	},
}

var recordingsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search recordings across transcripts and generated notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		recordings, err := s.SearchRecordings(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRecordings(recordings)
		return nil
	},
}

var recordingsCreateCmd = &cobra.Command{
	Use:   "create <filename>",
	Short: "Register a new recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, _ := cmd.Flags().GetString("patient")
		audio, _ := cmd.Flags().GetString("audio")

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		rec := &store.Recording{Filename: args[0]}
		if patient != "" {
			rec.PatientName = &patient
		}
		if audio != "" {
			rec.AudioPath = &audio
		}
		id, err := s.CreateRecording(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("created recording %d\n", id)
		return nil
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recording and its queued work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid recording id %q", args[0])
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		deleted, err := s.DeleteRecording(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Printf("recording %d not found\n", id)
			return nil
		}
		fmt.Printf("deleted recording %d\n", id)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the processing queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <recording-id>",
	Short: "Queue a recording for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		var recordingID int64
		if _, err := fmt.Sscanf(args[0], "%d", &recordingID); err != nil {
			return fmt.Errorf("invalid recording id %q", args[0])
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		queued, err := s.Enqueue(cmd.Context(), recordingID, "", priority)
		if err != nil {
			return err
		}
		if !queued {
			fmt.Println("already queued")
			return nil
		}
		fmt.Println("queued")
		return nil
	},
}

var queueBatchCmd = &cobra.Command{
	Use:   "batch <recording-id>...",
	Short: "Queue multiple recordings as a tracked batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			var id int64
			if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
				return fmt.Errorf("invalid recording id %q", arg)
			}
			ids = append(ids, id)
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		batchID, queued, err := s.EnqueueBatch(cmd.Context(), ids, "", priority, nil)
		if err != nil {
			return err
		}
		fmt.Printf("batch %s: queued %d of %d\n", batchID, queued, len(ids))
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show queue contents or a batch's progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		if len(args) == 1 {
			batch, err := s.GetBatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if batch == nil {
				fmt.Printf("batch %s not found\n", args[0])
				return nil
			}
			fmt.Printf("batch %s: %s (%d/%d complete, %d failed)\n",
				batch.BatchID, batch.Status, batch.CompletedCount, batch.TotalCount, batch.FailedCount)
			return nil
		}

		entries, err := s.ListQueueEntries(cmd.Context(), "", 0)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tRECORDING\tSTATUS\tPRIORITY\tERRORS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", e.TaskID, e.RecordingID, e.Status, e.Priority, e.ErrorCount)
		}
		return w.Flush()
	},
}

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Inspect stored analysis results",
}

var analysesVersionsCmd = &cobra.Command{
	Use:   "versions <analysis-id>",
	Short: "Show the version history of an analysis, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid analysis id %q", args[0])
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		versions, err := s.GetAnalysisVersions(cmd.Context(), id)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Printf("analysis %d not found\n", id)
			return nil
		}
		for _, a := range versions {
			marker := " "
			if a.ID == id {
				marker = color.CyanString("*")
			}
			fmt.Printf("%s v%d id=%d type=%s created=%s\n",
				marker, a.Version, a.ID, a.AnalysisType, a.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Exercise concurrent connection handling against the database",
	Long: `Runs a quick health check: opens the store, spins up worker goroutines
that each read through their own dedicated connection, then verifies the
connections are released cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		if !cmd.Flags().Changed("workers") && cfg.Workers.Count > 0 {
			workers = cfg.Workers.Count
		}
		if workers < 1 {
			workers = 1
		}

		s, registry, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer registry.CleanupAll(cmd.Context())

		g, ctx := errgroup.WithContext(cmd.Context())
		for i := 0; i < workers; i++ {
			owner := fmt.Sprintf("doctor-%d", i)
			g.Go(func() error {
				workerCtx := store.WithOwner(ctx, owner)
				if _, err := s.ListRecordings(workerCtx, store.ListOptions{Limit: 1}); err != nil {
					return fmt.Errorf("worker %s: %w", owner, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		opened := s.Conns().Count()
		released := s.Conns().CleanupStale(func(owner string) bool {
			return !strings.HasPrefix(owner, "doctor-")
		})
		if released == 0 && opened > 0 {
			return fmt.Errorf("expected to release worker connections, released none of %d", opened)
		}

		current, err := s.Migrations().CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s schema version %d, %d workers ok, %d connections released\n",
			color.GreenString("healthy:"), current, workers, released)
		return nil
	},
}

func printRecordings(recordings []*store.Recording) {
	if len(recordings) == 0 {
		fmt.Println("no recordings")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILENAME\tPATIENT\tSTATUS\tCREATED\tTAGS")
	for _, r := range recordings {
		patient := ""
		if r.PatientName != nil {
			patient = *r.PatientName
		}
		tags := ""
		if len(r.Tags) > 0 {
			b, _ := json.Marshal(r.Tags)
			tags = string(b)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Filename, patient, r.Status, r.CreatedAt.Format("2006-01-02 15:04"), tags)
	}
	w.Flush()
}
