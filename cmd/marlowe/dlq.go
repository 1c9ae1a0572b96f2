package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"

	"github.com/marloweai/marlowe/internal/config"
	"github.com/marloweai/marlowe/internal/stream"
)

// dlqClient builds a stream client for the inbound stream's DLQ.
func dlqClient(ctx context.Context, configPath string) (*stream.Client, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	opt, err := redis.ParseURL(cfg.Stream.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	client := stream.NewClient(rdb, cfg.Stream.Inbound, cfg.Stream.Group, "dlq-cli",
		stream.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))))
	return client, func() { rdb.Close() }, nil
}

func runDLQList(ctx context.Context, configPath string, count int) error {
	client, closeFn, err := dlqClient(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := client.ReadDLQ(ctx, count)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tERROR TYPE\tRETRIES\tUSER\tFAILED AT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.ErrorType, e.RetryCount, formatUserID(e.UserID),
			e.FailedAt.Format("2006-01-02 15:04:05"), truncate(e.ErrorMessage, 60))
	}
	return w.Flush()
}

func runDLQLength(ctx context.Context, configPath string) error {
	client, closeFn, err := dlqClient(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := client.DLQLength(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runDLQRequeue(ctx context.Context, configPath string, id string) error {
	client, closeFn, err := dlqClient(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	newID, err := client.RequeueFromDLQ(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %s as %s on %s\n", id, newID, client.Stream())
	return nil
}

func runDLQDelete(ctx context.Context, configPath string, id string) error {
	client, closeFn, err := dlqClient(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := client.DeleteFromDLQ(ctx, id); err != nil {
		return err
	}
	fmt.Println("Deleted", id)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
