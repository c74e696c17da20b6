package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/danmuck/backctl/internal/handlers"
	"github.com/danmuck/backctl/internal/observability"
	"github.com/danmuck/backctl/internal/parallel"
	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/danmuck/backctl/internal/workers"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "verify DIR",
		Short: "Checksum every file below DIR on parallel workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.Flags())
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr)
				defer stop()
			}
			opts := root.workerOptions(cfg)
			if err := opts.VerifyLocal(workers.StorageRepo, 0); err != nil {
				return err
			}
			cache := workers.NewCache(opts, nil)
			defer func() {
				if err := cache.Close(); err != nil {
					log.Warn().Err(err).Msg("backctl.verify close workers")
				}
			}()
			return runVerify(cmd.Context(), cmd.OutOrStdout(), cache, cfg.ProcessMax, cfg.MultiplexWait, dir)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while verifying")
	return cmd
}

type verifySummary struct {
	files  int
	failed int
	bytes  int64
}

func runVerify(ctx context.Context, out io.Writer, cache *workers.Cache, processMax int, wait time.Duration, dir string) error {
	started := time.Now()
	clients, err := cache.Open(ctx, workers.StorageRepo, 0, processMax)
	if err != nil {
		return err
	}
	files, err := listFiles(clients[0], dir)
	if err != nil {
		return err
	}

	queue := files
	exec := parallel.New(wait, func(worker int) *parallel.Job {
		if len(queue) == 0 {
			return nil
		}
		rel := queue[0]
		queue = queue[1:]
		return parallel.NewJob(rel, wire.NewCommand(handlers.CommandFileChecksum, filepath.Join(dir, filepath.FromSlash(rel))))
	})
	for _, client := range clients {
		if err := exec.AddClient(client); err != nil {
			return err
		}
	}

	var summary verifySummary
	for !exec.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := exec.Process(); err != nil {
			return err
		}
		for job := exec.Result(); job != nil; job = exec.Result() {
			report(out, job, &summary)
		}
	}

	log.Info().Str("dir", dir).Int("files", summary.files).Int("failed", summary.failed).
		Str("bytes", humanize.IBytes(uint64(summary.bytes))).Str("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Msg("backctl.verify complete")
	if summary.failed > 0 {
		return fmt.Errorf("%d of %d files failed verification", summary.failed, summary.files)
	}
	return nil
}

// listFiles runs file.list on one worker and collects its streamed lines.
func listFiles(client *protocol.Client, dir string) ([]string, error) {
	if err := client.WriteCommand(wire.NewCommand(handlers.CommandFileList, dir)); err != nil {
		return nil, err
	}
	var files []string
	for {
		text, more, err := client.ReadLine()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		files = append(files, text)
	}
	out, err := client.ReadOutput(true)
	if err != nil {
		return nil, err
	}
	if count, ok := out.(int64); !ok || int(count) != len(files) {
		return nil, protocol.Errorf(protocol.CodeProtocol, "file list count %v does not match %d streamed lines", out, len(files))
	}
	return files, nil
}

func report(out io.Writer, job *parallel.Job, summary *verifySummary) {
	rel, _ := job.Key().(string)
	summary.files++
	if job.Failed() {
		summary.failed++
		fmt.Fprintf(out, "FAILED  %s  [%d] %s\n", rel, job.Code(), job.Message())
		return
	}
	sum, err := handlers.ChecksumFromOutput(job.Result())
	if err != nil {
		summary.failed++
		fmt.Fprintf(out, "FAILED  %s  [%d] %s\n", rel, protocol.CodeOf(err), err)
		return
	}
	summary.bytes += sum.Size
	fmt.Fprintf(out, "%s  %8s  %s\n", sum.SHA1, humanize.IBytes(uint64(sum.Size)), rel)
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("backctl.verify metrics server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
