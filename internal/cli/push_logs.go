package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/reducer/internal/core/domain"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
)

var pushLogsCmd = &cobra.Command{
	Use:   "push-logs [file]",
	Short: "Append raw logs from a JSON array file to the ingest stream",
	Args:  cobra.ExactArgs(1),
	Run:   runPushLogs,
}

func init() {
	rootCmd.AddCommand(pushLogsCmd)
}

func runPushLogs(cmd *cobra.Command, args []string) {
	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Printf("Failed to read %s: %v\n", args[0], err)
		os.Exit(1)
	}
	var logs []domain.RawLog
	if err := json.Unmarshal(content, &logs); err != nil {
		fmt.Printf("Invalid log file %s: %v\n", args[0], err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()

	if app.Redis() == nil {
		slog.Error("push-logs requires redis.url")
		os.Exit(1)
	}
	stream, err := redisclient.NewStreamSource(ctx, app.Redis(), app.Config().Ingest.Stream)
	if err != nil {
		slog.Error("Failed to open log stream", "error", err)
		os.Exit(1)
	}
	if err := stream.Append(ctx, logs...); err != nil {
		slog.Error("Failed to append logs", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Appended %d logs\n", len(logs))
}
