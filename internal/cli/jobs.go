package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/reducer/internal/core/domain"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
)

var forceRewrite bool

var reindexCmd = &cobra.Command{
	Use:   "reindex [family] [prefix]",
	Short: "Queue a full reduce of every entity of a family whose id starts with prefix",
	Long: `Queue a full reduce for the reindex worker. The prefix is usually a token
address, e.g. "reindex balance 0xabc" rebuilds every balance of that token.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runReindex,
}

var resetJobCmd = &cobra.Command{
	Use:   "reset-job [job]",
	Short: "Clear the continuation of a background job so its next run starts over",
	Args:  cobra.ExactArgs(1),
	Run:   runResetJob,
}

var reduceCmd = &cobra.Command{
	Use:   "reduce [family] [id]",
	Short: "Rebuild one entity from its event history",
	Args:  cobra.ExactArgs(2),
	Run:   runReduce,
}

var skipTokenCmd = &cobra.Command{
	Use:   "skip-token [token...]",
	Short: "Add tokens whose events are never reduced",
	Args:  cobra.MinimumNArgs(1),
	Run:   runSkipToken,
}

func init() {
	reduceCmd.Flags().BoolVar(&forceRewrite, "force", false, "write even when the stored entity matches")
	rootCmd.AddCommand(reindexCmd, resetJobCmd, reduceCmd, skipTokenCmd)
}

func parseFamily(s string) (domain.Family, error) {
	switch f := domain.Family(strings.ToLower(s)); f {
	case domain.FamilyBalance, domain.FamilyItem, domain.FamilyOwnership:
		return f, nil
	}
	return "", fmt.Errorf("unknown family %q (balance, item, ownership)", s)
}

func runReindex(cmd *cobra.Command, args []string) {
	family, err := parseFamily(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	task := redisclient.ReindexTask{Family: family}
	if len(args) == 2 {
		task.Prefix = strings.ToLower(args[1])
	}

	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()

	if app.Redis() == nil {
		slog.Error("Reindex requires redis.url")
		os.Exit(1)
	}
	if err := app.Redis().PushReindex(ctx, task); err != nil {
		slog.Error("Failed to queue reindex", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Queued reindex of %s entities with prefix %q\n", task.Family, task.Prefix)
}

func runResetJob(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()

	if err := app.Stores().JobStates.Delete(ctx, args[0]); err != nil {
		slog.Error("Failed to reset job", "job", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully reset job %s\n", args[0])
}

func runReduce(cmd *cobra.Command, args []string) {
	family, err := parseFamily(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()

	full, _ := app.FullReducer(family)
	reduce := full.Reduce
	if forceRewrite {
		reduce = full.Rewrite
	}
	res, err := reduce(ctx, args[1])
	if err != nil {
		slog.Error("Full reduce failed", "family", family, "id", args[1], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Reduced %s %s: written=%t changed=%t\n", family, res.EntityID, res.Written, res.Changed)
}

func runSkipToken(cmd *cobra.Command, args []string) {
	tokens := make([]string, 0, len(args))
	for _, t := range args {
		tokens = append(tokens, strings.ToLower(t))
	}

	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()

	if app.Redis() == nil {
		slog.Error("skip-token requires redis.url")
		os.Exit(1)
	}
	if err := app.Redis().AddSkipTokens(ctx, tokens...); err != nil {
		slog.Error("Failed to add skip tokens", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Added %d skip tokens; running services pick them up on the next refresh\n", len(tokens))
}
