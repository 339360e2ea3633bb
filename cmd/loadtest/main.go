package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

type loadMode string

const (
	modeCreate    loadMode = "create"
	modeLifecycle loadMode = "lifecycle"
	modeCancel    loadMode = "cancel"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	sku         string
	qty         int32
	seedStock   int32
	customerTag string
	outputPath  string
}

// errScenariosFailed — хотя бы один сценарий завершился ошибкой.
var errScenariosFailed = errors.New("load test finished with failed scenarios")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "loadtest",
		Usage:  "drive order lifecycle scenarios against the order-service REST API",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-url", Value: "http://localhost:8080", Usage: "order-service HTTP base URL"},
			&cli.IntFlag{Name: "total", Value: 400, Usage: "total scenarios in count mode; with --duration only used when set explicitly"},
			&cli.DurationFlag{Name: "duration", Usage: "optional time-based run duration (e.g. 10m)"},
			&cli.IntFlag{Name: "concurrency", Value: 40, Usage: "number of concurrent workers"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per-request timeout"},
			&cli.StringFlag{Name: "mode", Value: string(modeCreate), Usage: "load mode: create | lifecycle | cancel"},
			&cli.IntFlag{Name: "cancel-rate", Usage: "cancel probability in percent for lifecycle mode (0..100)"},
			&cli.StringFlag{Name: "sku", Value: "SKU-LOAD", Usage: "order item SKU"},
			&cli.IntFlag{Name: "qty", Value: 1, Usage: "order item quantity"},
			&cli.IntFlag{Name: "seed-stock", Value: 1_000_000, Usage: "stock on hand to set for --sku before the run (0 = keep current)"},
			&cli.StringFlag{Name: "customer-tag", Value: "load", Usage: "customer id prefix"},
			&cli.StringFlag{Name: "output", Usage: "optional JSON report output file path"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromContext(c)
			if err != nil {
				return err
			}
			result, err := run(c.Context, cfg, &http.Client{})
			if err != nil {
				return err
			}
			printReport(c.App.Writer, result, cfg)
			if cfg.outputPath != "" {
				if err := writeJSONReport(cfg.outputPath, result); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			if result.FailedScenarios > 0 {
				return errScenariosFailed
			}
			return nil
		},
	}
}

func configFromContext(c *cli.Context) (config, error) {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return config{}, err
	}
	cfg := config{
		baseURL:     strings.TrimRight(strings.TrimSpace(c.String("base-url")), "/"),
		total:       c.Int("total"),
		totalSet:    c.IsSet("total"),
		duration:    c.Duration("duration"),
		concurrency: c.Int("concurrency"),
		timeout:     c.Duration("timeout"),
		mode:        mode,
		cancelRate:  c.Int("cancel-rate"),
		sku:         strings.TrimSpace(c.String("sku")),
		qty:         int32(c.Int("qty")),
		seedStock:   int32(c.Int("seed-stock")),
		customerTag: strings.TrimSpace(c.String("customer-tag")),
		outputPath:  c.String("output"),
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	if cfg.baseURL == "" {
		return errors.New("base-url is required")
	}
	if cfg.duration < 0 {
		return errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if cfg.qty <= 0 {
		return errors.New("qty must be > 0")
	}
	if cfg.seedStock < 0 {
		return errors.New("seed-stock must be >= 0")
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		return errors.New("cancel-rate must be between 0 and 100")
	}
	if cfg.sku == "" {
		return errors.New("sku is required")
	}
	if cfg.customerTag == "" {
		return errors.New("customer-tag is required")
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeLifecycle:
		return modeLifecycle, nil
	case modeCancel:
		return modeCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// run засевает остаток SKU и прогоняет сценарии пулом воркеров.
func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	col := newCollector()
	client := &apiClient{baseURL: cfg.baseURL, http: httpClient, timeout: cfg.timeout, col: col}

	if cfg.seedStock > 0 {
		if err := client.setStock(ctx, cfg.sku, cfg.seedStock); err != nil {
			return report{}, fmt.Errorf("seed stock for %s: %w", cfg.sku, err)
		}
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(ctx, client, cfg, id, runID)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}
