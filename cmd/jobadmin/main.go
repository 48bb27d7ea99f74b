package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/config"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
	"github.com/the-governor-hq/bodyPress-backend/internal/logging"
)

func main() {
	listFailed := flag.Bool("list-failed", false, "print the most recently failed jobs")
	limit := flag.Int("limit", 50, "maximum number of jobs to list")
	retryID := flag.String("retry", "", "move the failed job with this id back to the queue")
	flag.Parse()

	if !*listFailed && *retryID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	queue := jobs.New(pool, jobs.Config{}, logger)

	if *retryID != "" {
		if err := queue.Retry(ctx, *retryID); err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				logger.Fatal("no failed job with that id", zap.String("job_id", *retryID))
			}
			logger.Fatal("retry job", zap.Error(err))
		}
		fmt.Printf("job %s requeued\n", *retryID)
	}

	if *listFailed {
		failed, err := queue.ListFailed(ctx, *limit)
		if err != nil {
			logger.Fatal("list failed jobs", zap.Error(err))
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tJOB\tRETRIES\tFAILED AT\tERROR\tPAYLOAD")
		for _, job := range failed {
			failedAt := ""
			if job.CompletedAt != nil {
				failedAt = job.CompletedAt.UTC().Format(time.RFC3339)
			}
			lastError := ""
			if job.LastError != nil {
				lastError = *job.LastError
			}
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", job.ID, job.Name, job.RetryCount, job.RetryLimit, failedAt, lastError, job.Payload)
		}
		_ = tw.Flush()
	}
}
