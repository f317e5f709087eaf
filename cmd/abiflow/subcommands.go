package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bo-li/abiflow/internal/archive"
	"github.com/bo-li/abiflow/internal/flow"
	"github.com/bo-li/abiflow/internal/history"
	"github.com/bo-li/abiflow/internal/input"
	"github.com/bo-li/abiflow/pkg/api"
)

// jobSpec is the YAML description of a work: a working directory plus one
// variable deck per task, with optional dependency edges on earlier tasks.
type jobSpec struct {
	Workdir string    `yaml:"workdir"`
	Tasks   []jobTask `yaml:"tasks"`
}

type jobTask struct {
	Vars  map[string]string `yaml:"vars"`
	Files []string          `yaml:"files"`
	Deps  []jobDep          `yaml:"deps"`
}

type jobDep struct {
	Task  int      `yaml:"task"`
	Odata []string `yaml:"odata"`
}

// resolveWork loads the config and the job file and registers every task.
func resolveWork(cmd *cobra.Command) (*flow.Work, flow.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := flow.LoadConfig(cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	if f := cmd.Flags().Lookup("jobs"); f != nil {
		if jobs, _ := cmd.Flags().GetInt("jobs"); jobs > 0 {
			cfg.Concurrency = jobs
		}
	}

	jobPath, _ := cmd.Flags().GetString("job")
	if jobPath == "" {
		return nil, cfg, fmt.Errorf("a job file is required (--job)")
	}
	data, err := os.ReadFile(jobPath)
	if err != nil {
		return nil, cfg, fmt.Errorf("open job file: %w", err)
	}
	var spec jobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, cfg, fmt.Errorf("parse job file: %w", err)
	}
	if spec.Workdir == "" {
		return nil, cfg, fmt.Errorf("job file: workdir is required")
	}

	env := map[string]string{}
	if cfg.EnvFile != "" {
		env, err = flow.LoadEnvFile(cfg.EnvFile)
		if err != nil {
			return nil, cfg, err
		}
	}

	opts := &flow.Options{
		Executable:  cfg.Executable,
		Shell:       cfg.Shell,
		Env:         env,
		Strict:      cfg.Strict,
		Concurrency: cfg.Concurrency,
		Probes:      input.Probes(),
		Script:      input.Script,
	}

	work, err := flow.NewWork(spec.Workdir, opts)
	if err != nil {
		return nil, cfg, err
	}

	registered := map[int]flow.Dep{}
	for i, jt := range spec.Tasks {
		deck := input.NewDeck()
		keys := make([]string, 0, len(jt.Vars))
		for k := range jt.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			deck.Set(k, jt.Vars[k])
		}
		for _, f := range jt.Files {
			deck.AddFile(f)
		}

		var deps []flow.Dep
		for _, jd := range jt.Deps {
			prev, ok := registered[jd.Task]
			if !ok {
				return nil, cfg, fmt.Errorf("job file: task %d depends on unregistered task %d", i+1, jd.Task)
			}
			deps = append(deps, prev.WithOutputData(jd.Odata...))
		}

		dep, err := work.Register(deck, deps...)
		if err != nil {
			return nil, cfg, err
		}
		registered[dep.ID()] = dep
	}
	return work, cfg, nil
}

// Materialize working directories and files
func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Create the working directories and input files for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, _, err := resolveWork(cmd)
			if err != nil {
				return err
			}
			if err := work.Build(); err != nil {
				return err
			}
			fmt.Printf("built %d task(s) under %s\n", work.Len(), work.Workdir())
			return nil
		},
	}
}

// Run all tasks of a job
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every task of a job, sequentially or with a worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, cfg, err := resolveWork(cmd)
			if err != nil {
				return err
			}

			if cfg.History.Enabled {
				store, err := history.Open(cfg.History.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				work.SetRecorder(store)
			}

			if err := work.Build(); err != nil {
				return err
			}
			if err := work.Start(); err != nil {
				return err
			}
			runs, failures, elapsed := work.Metrics().Stats()
			fmt.Printf("ran %d task(s), %d failed, %s total\n", runs, failures, elapsed)
			return nil
		},
	}
	cmd.Flags().IntP("jobs", "j", 0, "number of pool workers (default: config concurrency)")
	return cmd
}

// Report per-task or aggregated status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Derive task status from the filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, _, err := resolveWork(cmd)
			if err != nil {
				return err
			}
			summary, _ := cmd.Flags().GetBool("summary")
			asJSON, _ := cmd.Flags().GetBool("json")

			if summary && !asJSON {
				fmt.Println(work.Status())
				return nil
			}

			report := workReport(work)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			for _, tr := range report.Tasks {
				fmt.Printf("task_%d\t%s\t%s\n", tr.ID, tr.Status, tr.Workdir)
			}
			return nil
		},
	}
	cmd.Flags().Bool("summary", false, "print only the highest-severity status")
	cmd.Flags().Bool("json", false, "emit the report as JSON")
	return cmd
}

func workReport(work *flow.Work) api.WorkReport {
	report := api.WorkReport{
		Workdir: work.Workdir(),
		Overall: api.RunStatus(work.Status().String()),
	}
	for i, task := range work.Tasks() {
		report.Tasks = append(report.Tasks, api.TaskReport{
			ID:       i + 1,
			Workdir:  task.Workdir(),
			Status:   api.RunStatus(task.Status().String()),
			ExitCode: task.ExitCode(),
			OutFiles: task.OutFiles(),
		})
	}
	return report
}

// Aggregate numeric results across tasks
func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Collect a named numeric result from every task's output artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, _, err := resolveWork(cmd)
			if err != nil {
				return err
			}
			ext, _ := cmd.Flags().GetString("ext")
			key, _ := cmd.Flags().GetString("key")
			writeReport, _ := cmd.Flags().GetBool("report")

			values := work.CollectResults(ext, key)
			for i, v := range values {
				fmt.Printf("task_%d %g\n", i+1, v)
			}
			if writeReport {
				path, err := work.WriteReport(ext, key)
				if err != nil {
					return err
				}
				fmt.Printf("report written to %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().String("ext", "GSR", "output-data tag of the result artifact")
	cmd.Flags().String("key", "etotal", "result name to extract")
	cmd.Flags().Bool("report", false, "write the aggregate report under the work directory")
	return cmd
}

// Show recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded task runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := flow.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is not enabled in the config")
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%d\t%s\t%s\texit=%d\t%s\n",
					r.ID, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Status, r.ExitCode, r.Workdir)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	return cmd
}

// Stage artifacts out to the storage host
func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload a task's output artifacts to the storage host",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, cfg, err := resolveWork(cmd)
			if err != nil {
				return err
			}
			if cfg.Archive.Host == "" {
				return fmt.Errorf("archive host is not configured")
			}
			id, _ := cmd.Flags().GetInt("task")
			task, err := work.Task(id)
			if err != nil {
				return err
			}
			arch := archive.New(cfg.Archive)
			if err := arch.StageTask(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Printf("archived task_%d to %s\n", id, cfg.Archive.Host)
			return nil
		},
	}
	cmd.Flags().Int("task", 0, "1-based task id to archive")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// Remove work trees or break stale locks
func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Destroy a work tree, or break stale locks with --unlock",
		RunE: func(cmd *cobra.Command, args []string) error {
			work, _, err := resolveWork(cmd)
			if err != nil {
				return err
			}
			if unlock, _ := cmd.Flags().GetBool("unlock"); unlock {
				if err := flow.NewFileLock(work.PathInWorkdir("__lock__")).Break(); err != nil {
					return err
				}
				for _, task := range work.Tasks() {
					if err := flow.NewFileLock(task.PathInWorkdir("__lock__")).Break(); err != nil {
						return err
					}
				}
				fmt.Println("locks removed")
				return nil
			}
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("refusing to destroy %s without --force", work.Workdir())
			}
			if err := work.Destroy(); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", work.Workdir())
			return nil
		},
	}
	cmd.Flags().Bool("unlock", false, "remove work and task lock files")
	cmd.Flags().Bool("force", false, "confirm destruction of the work tree")
	return cmd
}
