package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/sqlbatch"
)

// runtime bundles the collaborators selected by the global flags.
type runtime struct {
	backend   *sqlbatch.JobBackend
	scanner   sqlbatch.KeyScanner
	inspector sqlbatch.QueueInspector
	config    *sqlbatch.Config
	logger    *slog.Logger
	closeFn   func() error
}

// Close releases the store, logging a failure.
func (rt *runtime) Close() {
	if err := rt.closeFn(); err != nil {
		rt.logger.Warn("failed to close store", "error", err)
	}
}

type globalFlags struct {
	store      string
	badgerPath string
	redisAddr  string
	storeIndex int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cfg := sqlbatch.LoadConfig()

	root := &cobra.Command{
		Use:           "sqlbatchctl",
		Short:         "Submit, inspect and reconcile batch SQL jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.store, "store", "redis", "job store backend: redis or badger")
	root.PersistentFlags().StringVar(&flags.badgerPath, "badger-path", "./sqlbatch-data", "BadgerDB directory when --store=badger")
	root.PersistentFlags().StringVar(&flags.redisAddr, "redis-addr", cfg.RedisAddr, "Redis address when --store=redis")
	root.PersistentFlags().IntVar(&flags.storeIndex, "store-index", cfg.StoreIndex, "logical store index holding job records")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	open := func() (*runtime, error) {
		c := *cfg
		c.RedisAddr = flags.redisAddr
		c.StoreIndex = flags.storeIndex
		return openRuntime(flags, &c)
	}

	root.AddCommand(
		newSubmitCmd(open),
		newGetCmd(open),
		newListCmd(open),
		newCancelCmd(open),
		newReconcileCmd(open),
	)
	return root
}

func openRuntime(flags *globalFlags, cfg *sqlbatch.Config) (*runtime, error) {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch flags.store {
	case "redis":
		store := sqlbatch.NewRedisStore(&redis.Options{Addr: cfg.RedisAddr}, logger)
		client := store.Client(cfg.StoreIndex)
		queue := sqlbatch.NewRedisQueue(client, logger)
		indexer := sqlbatch.NewRedisUserIndexer(client)
		return &runtime{
			backend:   sqlbatch.NewJobBackend(store, queue, queue, indexer, cfg, logger),
			scanner:   store,
			inspector: queue,
			config:    cfg,
			logger:    logger,
			closeFn:   store.Close,
		}, nil
	case "badger":
		store, err := sqlbatch.NewBadgerStore(flags.badgerPath, logger)
		if err != nil {
			return nil, err
		}
		return &runtime{
			backend:   sqlbatch.NewJobBackend(store, store, store, store, cfg, logger),
			scanner:   store,
			inspector: store,
			config:    cfg,
			logger:    logger,
			closeFn:   store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want redis or badger)", flags.store)
	}
}

func newSubmitCmd(open func() (*runtime, error)) *cobra.Command {
	var user, host string
	cmd := &cobra.Command{
		Use:   "submit --user USER --host HOST SQL",
		Short: "Create a job and dispatch it to a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := rt.backend.Create(cmd.Context(), user, args[0], host)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobView(job))
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner of the job")
	cmd.Flags().StringVar(&host, "host", "", "host to dispatch the job to")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newGetCmd(open func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Print a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := rt.backend.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobView(job))
		},
	}
}

func newListCmd(open func() (*runtime, error)) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list --user USER",
		Short: "Print every job of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()

			jobs, err := rt.backend.List(cmd.Context(), user)
			if err != nil {
				return err
			}
			views := make([]map[string]string, 0, len(jobs))
			for _, job := range jobs {
				views = append(views, jobView(job))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner of the jobs")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCancelCmd(open func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := cancelJob(cmd.Context(), rt.backend, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobView(job))
		},
	}
}

// cancelJob cancels a job that has not finished yet and returns it as
// reported by the cancelled event.
func cancelJob(ctx context.Context, backend *sqlbatch.JobBackend, jobID string) (*sqlbatch.Job, error) {
	job, err := backend.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is already %s", job.ID, job.Status)
	}

	go backend.SetCancelled(ctx, job)
	select {
	case evt := <-backend.Events():
		if evt.Type == sqlbatch.EventError {
			return nil, evt.Err
		}
		return evt.Job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newReconcileCmd(open func() (*runtime, error)) *cobra.Command {
	var once bool
	var drainTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-dispatch lost pending jobs and fail orphaned running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			observeCtx, stopObserving := context.WithCancel(context.Background())
			observed := make(chan struct{})
			go func() {
				defer close(observed)
				sqlbatch.ObserveEvents(observeCtx, rt.backend.Events(), rt.logger)
			}()
			defer func() {
				stopObserving()
				<-observed
			}()

			reconciler := sqlbatch.NewReconciler(rt.backend, rt.scanner, rt.inspector, rt.config, rt.logger)
			if once {
				report, err := reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			}

			reconciler.Start(ctx)
			<-ctx.Done()
			rt.logger.Info("shutting down reconciler")

			stopped := make(chan struct{})
			go func() {
				reconciler.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-time.After(drainTimeout):
				return errors.New("reconciler did not stop in time")
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and print its report")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for the current pass on shutdown")
	return cmd
}

func jobView(job *sqlbatch.Job) map[string]string {
	view := map[string]string{
		"job_id":                job.ID,
		sqlbatch.FieldUser:      job.Owner,
		sqlbatch.FieldStatus:    string(job.Status),
		sqlbatch.FieldQuery:     job.Query,
		sqlbatch.FieldCreatedAt: job.CreatedAt.Format(time.RFC3339Nano),
		sqlbatch.FieldUpdatedAt: job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.Host != "" {
		view[sqlbatch.FieldHost] = job.Host
	}
	if job.FailedReason != "" {
		view[sqlbatch.FieldFailedReason] = job.FailedReason
	}
	return view
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
