package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/app"
	"github.com/dvloznov/statement-insights/internal/config"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/pipeline"
	"github.com/dvloznov/statement-insights/internal/textsource"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "estimate":
		runEstimate(log)
	case "process":
		runProcess(log)
	case "grant":
		runGrant(log)
	case "result":
		runResult(log)
	case "warehouse-months":
		runWarehouseMonths(log)
	case "upload":
		runUpload(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Statement Insights CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  estimate          Estimate tokens and time for a batch of statements")
	fmt.Println("  process           Run a batch synchronously and print the report")
	fmt.Println("  grant             Grant free and paid tokens to a user")
	fmt.Println("  result            Print the report of a completed session")
	fmt.Println("  warehouse-months  Print a user's monthly cash flow from BigQuery")
	fmt.Println("  upload            Upload a local statement to GCS and print its document key")
	fmt.Println("  help              Show this help message")
	fmt.Println("\nEvery command accepts -config PATH; SI_* environment variables override it.")
	fmt.Println("Run 'cli <command> -h' for more information on a command.")
}

// setup loads the config and wires the application for one command.
func setup(log zerolog.Logger, configPath string, mutate func(*config.Config)) (context.Context, *app.App) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if mutate != nil {
		mutate(cfg)
	}

	log = log.Level(logger.ParseLevel(cfg.Logging.Level))
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	return ctx, a
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

func runEstimate(log zerolog.Logger) {
	fs := flag.NewFlagSet("estimate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	keys := fs.String("keys", "", "Comma-separated document keys (gs://, s3://, minio://, file://)")
	noNarrative := fs.Bool("no-narrative", false, "Exclude the narrative from the estimate")
	fs.Parse(os.Args[2:])

	if *keys == "" {
		log.Fatal().Msg("Usage: cli estimate -keys KEY[,KEY...]")
	}

	ctx, a := setup(log, *configPath, nil)
	defer a.Close()

	res, err := a.Service.Estimate(ctx, "cli", splitKeys(*keys), !*noNarrative)
	if err != nil {
		log.Fatal().Err(err).Msg("Estimate failed")
	}

	fmt.Printf("Documents:      %d\n", len(res.Documents))
	fmt.Printf("Chunks:         %d\n", res.Tokens.Chunks)
	fmt.Printf("Model tokens:   %d\n", res.Tokens.ModelTokens)
	fmt.Printf("Product tokens: %d (range %d - %d)\n", res.Tokens.ProductTokens, res.Tokens.Range.Min, res.Tokens.Range.Max)
	fmt.Printf("Duration:       %s\n", res.Duration.Text)
}

func runProcess(log zerolog.Logger) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	userID := fs.String("user", "", "User ID that owns the session")
	keys := fs.String("keys", "", "Comma-separated document keys")
	sessionID := fs.String("session", "", "Session ID (generated when empty)")
	grantFree := fs.Int64("grant-free", 0, "Grant this many free tokens before processing (local runs)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall timeout")
	fs.Parse(os.Args[2:])

	if *userID == "" || *keys == "" {
		log.Fatal().Msg("Usage: cli process -user ID -keys KEY[,KEY...] [-session ID]")
	}

	ctx, a := setup(log, *configPath, nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *grantFree > 0 {
		if _, err := a.Ledger.Grant(ctx, *userID, *grantFree, 0, "cli"); err != nil {
			log.Fatal().Err(err).Msg("Grant failed")
		}
	}

	submitted, in, err := a.Service.Prepare(ctx, pipeline.BatchInput{
		SessionID:    *sessionID,
		UserID:       *userID,
		DocumentKeys: splitKeys(*keys),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	log.Info().
		Str("session_id", submitted.SessionID).
		Int64("tokens_charged", submitted.TokensCharged).
		Msg("Processing batch")

	res, err := a.Service.RunBatch(ctx, in)
	if err != nil {
		log.Fatal().Err(err).Str("session_id", in.SessionID).Msg("Batch failed")
	}

	printJSON(map[string]interface{}{
		"session_id": res.SessionID,
		"tokens":     res.Tokens,
		"meta_data":  res.Meta,
		"snapshot":   res.Snapshot,
		"narrative":  res.Narrative,
	})
}

func runGrant(log zerolog.Logger) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	userID := fs.String("user", "", "User ID")
	free := fs.Int64("free", 0, "Free tokens to add")
	paid := fs.Int64("paid", 0, "Paid tokens to add")
	by := fs.String("by", "cli", "Recorded as the balance's updated_by")
	fs.Parse(os.Args[2:])

	if *userID == "" || (*free == 0 && *paid == 0) {
		log.Fatal().Msg("Usage: cli grant -user ID [-free N] [-paid N]")
	}

	ctx, a := setup(log, *configPath, nil)
	defer a.Close()

	bal, err := a.Ledger.Grant(ctx, *userID, *free, *paid, *by)
	if err != nil {
		log.Fatal().Err(err).Msg("Grant failed")
	}

	fmt.Printf("User %s: free %d/%d used, paid %d/%d used\n",
		bal.UserID, bal.FreeTokensUsed, bal.FreeTokensGranted, bal.PaidTokensUsed, bal.PaidTokensGranted)
}

func runResult(log zerolog.Logger) {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	userID := fs.String("user", "", "User ID that owns the session")
	sessionID := fs.String("session", "", "Session ID")
	fs.Parse(os.Args[2:])

	if *userID == "" || *sessionID == "" {
		log.Fatal().Msg("Usage: cli result -user ID -session ID")
	}

	ctx, a := setup(log, *configPath, nil)
	defer a.Close()

	res, err := a.Service.Result(ctx, *userID, *sessionID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load result")
	}
	printJSON(res)
}

func runWarehouseMonths(log zerolog.Logger) {
	fs := flag.NewFlagSet("warehouse-months", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	userID := fs.String("user", "", "User ID")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		log.Fatal().Msg("Usage: cli warehouse-months -user ID")
	}

	ctx, a := setup(log, *configPath, func(cfg *config.Config) {
		cfg.Warehouse.Enabled = true
	})
	defer a.Close()

	if a.Warehouse == nil {
		log.Fatal().Msg("Warehouse is not configured")
	}

	months, err := a.Warehouse.MonthlyCashflow(ctx, *userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Warehouse query failed")
	}

	fmt.Printf("\n=== Monthly cash flow for %s (%d months) ===\n", *userID, len(months))
	for _, m := range months {
		fmt.Printf("%s  in %12.2f  out %12.2f  net %12.2f  (%d txns)\n", m.Month, m.Inflow, m.Outflow, m.Net, m.Transactions)
	}
	fmt.Println()
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucket := fs.String("bucket", "", "GCS bucket name (required)")
	object := fs.String("object", "", "GCS object name (optional; defaults to file name)")
	file := fs.String("file", "", "Path to local statement, PDF or text (required)")
	fs.Parse(os.Args[2:])

	if *bucket == "" || *file == "" {
		log.Fatal().Msg("Usage: cli upload -bucket BUCKET_NAME -file /path/to/statement.pdf [-object OBJECT_NAME]")
	}
	if *object == "" {
		*object = filepath.Base(*file)
	}

	ctx := logger.WithContext(context.Background(), log)

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to open file")
	}
	defer f.Close()

	gcs, err := textsource.NewGCSStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create GCS client")
	}
	defer gcs.Close()

	contentType := "text/plain"
	if strings.EqualFold(filepath.Ext(*file), ".pdf") {
		contentType = "application/pdf"
	}

	log.Info().
		Str("bucket", *bucket).
		Str("object", *object).
		Str("file", *file).
		Msg("Uploading statement to GCS")

	key, err := gcs.WriteObject(ctx, *bucket, *object, contentType, f)
	if err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}

	fmt.Println(key)
}
