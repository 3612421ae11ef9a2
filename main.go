package main

import (
	"bufio"
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/insightdelivered/statement-engine/internal/api"
	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/detect"
	"github.com/insightdelivered/statement-engine/internal/engine"
	"github.com/insightdelivered/statement-engine/internal/extract"
	"github.com/insightdelivered/statement-engine/internal/models"
	"github.com/insightdelivered/statement-engine/internal/pipeline"
	"github.com/insightdelivered/statement-engine/internal/registry"
	"github.com/insightdelivered/statement-engine/internal/rules"
	"github.com/insightdelivered/statement-engine/internal/writer"
)

const version = "2.0.0"

//go:embed configs/templates/*.yaml configs/rules/*.yaml
var embeddedConfigs embed.FS

func main() {
	bankFlag := flag.String("bank", "", "Bank code (skips detection; see --banks for the loaded codes)")
	outputFlag := flag.String("output", "", "Output file path (defaults to input name with the format extension)")
	formatFlag := flag.String("format", "xlsx", "Output format: xlsx or csv")
	metadataFlag := flag.Bool("metadata", true, "Include account metadata rows in CSV output")
	templatesFlag := flag.String("templates", "", "Directory of bank templates (defaults to the built-in set)")
	rulesFlag := flag.String("rules", "", "Directory of rule sets (defaults to the built-in set)")
	serveFlag := flag.String("serve", "", "Run the HTTP API on this address instead of converting files")
	banksFlag := flag.Bool("banks", false, "List loaded bank codes and exit")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Bank Statement Converter
by Insight Delivered

Converts bank statement exports (PDF or TXT) into Excel workbooks or
CSV files. The bank is detected from the document; templates drive the
per-bank parsing.

Usage:
  statement-engine [flags] <statement.pdf|statement.txt> [more files ...]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Detect the bank and write statement.xlsx
  statement-engine statement.txt

  # Force the bank and write CSV
  statement-engine --bank=icbc --format=csv statement.pdf

  # Serve the HTTP API
  statement-engine --serve=:8080
`)
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("statement-engine v%s\n", version)
		return
	}

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *formatFlag != "xlsx" && *formatFlag != "csv" {
		fatalf("unknown format %q; use xlsx or csv\n", *formatFlag)
	}

	eng, err := buildEngine(*templatesFlag, *rulesFlag, logger)
	if err != nil {
		fatalf("startup failed: %v\n", err)
	}

	if *banksFlag {
		for _, code := range eng.Store.Codes() {
			fmt.Println(code)
		}
		return
	}

	if *serveFlag != "" {
		runServer(eng, *serveFlag, logger)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.ResolveBank = promptForBank

	failed := false
	for _, input := range flag.Args() {
		if err := processFile(ctx, eng, input, *bankFlag, *outputFlag, *formatFlag, *metadataFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error processing %s: %v\n", input, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// buildEngine wires the store, rule library, component registry, detector
// and extractor into one engine.
func buildEngine(templateDir, ruleDir string, logger *slog.Logger) (*engine.Engine, error) {
	var templateFS, ruleFS fs.FS
	var err error

	if templateDir != "" {
		templateFS = os.DirFS(templateDir)
	} else if templateFS, err = fs.Sub(embeddedConfigs, "configs/templates"); err != nil {
		return nil, err
	}
	if ruleDir != "" {
		ruleFS = os.DirFS(ruleDir)
	} else if ruleFS, err = fs.Sub(embeddedConfigs, "configs/rules"); err != nil {
		return nil, err
	}

	store, err := config.NewStore(templateFS)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	lib, err := rules.LoadLibrary(ruleFS)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	detector, err := detect.New(store)
	if err != nil {
		return nil, fmt.Errorf("building detector: %w", err)
	}

	reg := registry.New()
	pipeline.RegisterComponents(reg, lib)

	return &engine.Engine{
		Store:     store,
		Detector:  detector,
		Assembler: &pipeline.Assembler{Registry: reg},
		Extractor: extract.New(),
		Logger:    logger,
	}, nil
}

func processFile(ctx context.Context, eng *engine.Engine, input, bank, output, format string, metadata bool) error {
	fmt.Printf("Processing: %s\n", input)

	outPath := output
	if outPath == "" {
		outPath = strings.TrimSuffix(input, filepath.Ext(input)) + "." + format
	}

	run := *eng
	if format == "csv" {
		run.Sink = &writer.CSVWriter{Path: outPath, IncludeMetadata: metadata}
	} else {
		run.Sink = &writer.ExcelWriter{Path: outPath}
	}

	pc := models.NewContext(uuid.NewString(), input)
	pc.BankHint = bank

	outcome := run.Run(ctx, pc)
	if outcome == models.OutcomeFailure {
		if len(pc.Errors) > 0 {
			return pc.Errors[len(pc.Errors)-1]
		}
		return fmt.Errorf("conversion failed")
	}

	printSummary(pc, outPath, outcome)
	return nil
}

func printSummary(pc *models.Context, outPath string, outcome models.Outcome) {
	if det, ok := pc.Snapshot(models.SnapshotDetection); ok {
		d := det.(models.Detection)
		if d.Forced {
			fmt.Printf("  Bank: %s (forced)\n", d.BankCode)
		} else {
			fmt.Printf("  Bank: %s (confidence %.2f)\n", d.BankCode, d.Confidence)
		}
	}
	if pc.Account.Holder != "" {
		fmt.Printf("  Account holder: %s\n", pc.Account.Holder)
	}
	if pc.Account.Number != "" {
		fmt.Printf("  Account number: %s\n", pc.Account.Number)
	}
	if pc.Account.Period != "" {
		fmt.Printf("  Period: %s\n", pc.Account.Period)
	}
	if r := pc.Report; r != nil {
		fmt.Printf("  Transactions: %d parsed, %d skipped, %d partial\n",
			r.RowsParsed, r.RowsSkipped, r.RowsPartial)
		fmt.Printf("  Income: %s  Expense: %s  Net: %s\n",
			r.TotalIncome.StringFixed(2), r.TotalExpense.StringFixed(2), r.NetFlow.StringFixed(2))
		if !r.BalanceContinuous {
			fmt.Println("  Warning: balance column is not continuous; rows may be missing.")
		}
	}
	if outcome == models.OutcomePartialSuccess {
		fmt.Println("  Completed with warnings; see the Processing Log sheet.")
	}
	fmt.Printf("  Output: %s\n", outPath)
	fmt.Println("  Done.")
}

// promptForBank asks on the terminal when detection cannot place the
// document.
func promptForBank(pc *models.Context) (string, error) {
	fmt.Printf("Could not detect the bank for %s.\n", pc.Source)
	fmt.Print("Enter a bank code (or press Enter to abort): ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading bank code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("no bank code supplied")
	}
	return code, nil
}

func runServer(eng *engine.Engine, addr string, logger *slog.Logger) {
	app := fiber.New(fiber.Config{
		AppName:   "statement-engine v" + version,
		BodyLimit: 32 << 20,
	})

	srv := &api.Server{Engine: eng}
	srv.RegisterRoutes(app)

	logger.Info("api listening", "addr", addr, "templates", eng.Store.Version())
	if err := app.Listen(addr); err != nil {
		fatalf("server failed: %v\n", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
