package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/groupcast/groupcast/internal/scheduler"
)

var jobHwd = &JobRunner{}

type JobRunner struct{}

func (r *JobRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Manage scheduled broadcast jobs (the daemon picks up changes on restart)",
		Flags: []cli.Flag{configFlag()},
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register a new recurring job",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "template", Usage: "Template id to post", Required: true},
					&cli.StringSliceFlag{Name: "target", Usage: "Target group chat id (repeatable)", Required: true},
					&cli.IntFlag{Name: "interval", Usage: "Hours between runs", Value: 24},
					&cli.BoolFlag{Name: "now", Usage: "Fire the first run shortly after the daemon sees the job"},
				},
				Action: r.add,
			},
			{
				Name:   "list",
				Usage:  "List all persisted jobs",
				Flags:  []cli.Flag{configFlag()},
				Action: r.list,
			},
			{
				Name:      "pause",
				Usage:     "Exclude a job from scheduling, keeping its timing",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.pause,
			},
			{
				Name:      "resume",
				Usage:     "Reactivate a paused job",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.resume,
			},
			{
				Name:      "delete",
				Usage:     "Remove a job permanently",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.delete,
			},
			{
				Name:      "force",
				Usage:     "Run a job once right now, without touching its schedule",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.force,
			},
			{
				Name:  "logs",
				Usage: "Show recent execution log entries",
				Flags: []cli.Flag{
					configFlag(),
					&cli.IntFlag{Name: "limit", Usage: "Max entries to show", Value: 20},
				},
				Action: r.logs,
			},
		},
	}
}

func (r *JobRunner) add(_ context.Context, cmd *cli.Command) error {
	_, sched, _, err := openOffline(cmd)
	if err != nil {
		return err
	}

	id, err := sched.AddJob(
		cmd.String("template"),
		cmd.StringSlice("target"),
		int(cmd.Int("interval")),
		cmd.Bool("now"),
	)
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	fmt.Printf("Job %s added.\n", id)
	return nil
}

func (r *JobRunner) list(_ context.Context, cmd *cli.Command) error {
	_, sched, _, err := openOffline(cmd)
	if err != nil {
		return err
	}

	jobs := sched.Jobs()
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return nil
	}

	sorted := make([]scheduler.Job, 0, len(jobs))
	for _, j := range jobs {
		sorted = append(sorted, j)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTEMPLATE\tTARGETS\tINTERVAL\tSTATUS\tNEXT RUN\tLAST RUN")
	for _, j := range sorted {
		last := "-"
		if j.LastRunAt != nil {
			last = j.LastRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%dh\t%s\t%s\t%s\n",
			j.ID, j.TemplateID, len(j.Targets), j.IntervalHours, j.Status,
			j.NextRunAt.Local().Format("2006-01-02 15:04"), last)
	}
	return w.Flush()
}

func (r *JobRunner) pause(_ context.Context, cmd *cli.Command) error {
	return r.mutate(cmd, "pause", func(s *scheduler.Scheduler, id string) bool { return s.Pause(id) })
}

func (r *JobRunner) resume(_ context.Context, cmd *cli.Command) error {
	return r.mutate(cmd, "resume", func(s *scheduler.Scheduler, id string) bool { return s.Resume(id) })
}

func (r *JobRunner) delete(_ context.Context, cmd *cli.Command) error {
	return r.mutate(cmd, "delete", func(s *scheduler.Scheduler, id string) bool { return s.Delete(id) })
}

func (r *JobRunner) mutate(cmd *cli.Command, verb string, op func(*scheduler.Scheduler, string) bool) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("usage: groupcast job %s <job-id>", verb)
	}

	_, sched, _, err := openOffline(cmd)
	if err != nil {
		return err
	}
	if !op(sched, id) {
		return fmt.Errorf("%s failed: job %s not found or not in a valid state", verb, id)
	}
	fmt.Printf("Job %s: %s ok.\n", id, verb)
	return nil
}

// force runs one job synchronously with a live poster. Intended for use
// while the daemon is stopped; against a running daemon the schedule
// written here loses to the daemon's in-memory state.
func (r *JobRunner) force(ctx context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("usage: groupcast job force <job-id>")
	}

	cfg, sched, _, err := openOffline(cmd)
	if err != nil {
		return err
	}

	p, err := buildPoster(cfg)
	if err != nil {
		return fmt.Errorf("build poster: %w", err)
	}
	sched.SetPoster(p)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	if !sched.ForceRun(id) {
		return fmt.Errorf("force run failed: job %s not found or not active", id)
	}
	fmt.Printf("Running job %s...\n", id)

	// Wait for the queue to drain. Two consecutive idle reads bridge the
	// gap between dequeue and the in-flight flag.
	idle := 0
	for idle < 2 {
		time.Sleep(200 * time.Millisecond)
		st := sched.Status()
		if st.QueueSize == 0 && !st.IsProcessing {
			idle++
		} else {
			idle = 0
		}
	}
	fmt.Println("Done. See \"groupcast job logs\" for the result.")
	return nil
}

func (r *JobRunner) logs(_ context.Context, cmd *cli.Command) error {
	_, sched, _, err := openOffline(cmd)
	if err != nil {
		return err
	}

	recs, err := sched.RecentExecutions(int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("load execution log: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tJOB\tTEMPLATE\tOK\tFAILED\tSTATUS\tNEXT RUN")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04"),
			rec.JobID, rec.TemplateID,
			rec.Successes, rec.TargetsTotal, rec.Failures, rec.Status,
			rec.NextScheduled.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
