// Command squorctl is the operator CLI for the workflow orchestrator:
// enqueue, cancel, retry, suspend, wake, inspect status and history, resume
// quota-blocked items, and browse the dead-letter queue. It talks directly
// to the store, so it must run with the same database credentials as the
// daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/labelsquor/orchestrator"
)

var cli struct {
	DatabaseURL string `help:"Postgres connection string (defaults to LSQ_DATABASE_URL)." env:"LSQ_DATABASE_URL"`

	Enqueue EnqueueCmd `cmd:"" help:"Enqueue a work item."`
	Cancel  CancelCmd  `cmd:"" help:"Cancel a work item."`
	Retry   RetryCmd   `cmd:"" help:"Return a failed or suspended item to the queue."`
	Suspend SuspendCmd `cmd:"" help:"Suspend a failed item for manual inspection."`
	Wake    WakeCmd    `cmd:"" help:"Wake a waiting item."`
	Status  StatusCmd  `cmd:"" help:"Show one item's snapshot."`
	History HistoryCmd `cmd:"" help:"Show one item's transition history."`
	List    ListCmd    `cmd:"" help:"List work items."`
	Resume  ResumeCmd  `cmd:"" help:"Manually resume quota-blocked items."`
	DLQ     DLQCmd     `cmd:"" name:"dlq" help:"Browse the dead-letter queue."`
	Quota   QuotaCmd   `cmd:"" help:"Show quota utilization for a service."`
	Metrics MetricsCmd `cmd:"" help:"Show workflow metrics."`
}

type cliContext struct {
	orc *orchestrator.Orchestrator
	ctx context.Context
}

func main() {
	_ = godotenv.Load()

	parsed := kong.Parse(&cli,
		kong.Name("squorctl"),
		kong.Description("Operator CLI for the LabelSquor workflow orchestrator."),
		kong.UsageOnError(),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithoutEngine(),
	}
	if cli.DatabaseURL != "" {
		opts = append(opts, orchestrator.WithDatabaseURL(cli.DatabaseURL))
	}

	orc, err := orchestrator.New(ctx, opts...)
	parsed.FatalIfErrorf(err)
	defer orc.Shutdown(ctx)

	parsed.FatalIfErrorf(parsed.Run(&cliContext{orc: orc, ctx: ctx}))
}

// EnqueueCmd inserts a new work item.
type EnqueueCmd struct {
	Payload  string `arg:"" help:"Opaque payload JSON handed to stage handlers."`
	Priority int    `help:"Higher runs first." default:"0"`
	Metadata string `help:"Optional metadata JSON." default:""`
}

func (c *EnqueueCmd) Run(cc *cliContext) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	var metadata map[string]any
	if c.Metadata != "" {
		if err := json.Unmarshal([]byte(c.Metadata), &metadata); err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}
	}
	item, err := cc.orc.Enqueue(cc.ctx, payload, c.Priority, metadata)
	if err != nil {
		return err
	}
	fmt.Println(item.ID)
	return nil
}

// CancelCmd cancels an item.
type CancelCmd struct {
	ID     string `arg:"" help:"Work item ID."`
	Reason string `help:"Cancellation reason." default:"cancelled by operator"`
}

func (c *CancelCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	item, err := cc.orc.Cancel(cc.ctx, id, c.Reason)
	if err != nil {
		return err
	}
	return printItem(item)
}

// RetryCmd re-queues a failed or suspended item.
type RetryCmd struct {
	ID string `arg:"" help:"Work item ID."`
}

func (c *RetryCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	item, err := cc.orc.Retry(cc.ctx, id)
	if err != nil {
		return err
	}
	return printItem(item)
}

// SuspendCmd suspends a failed item.
type SuspendCmd struct {
	ID     string `arg:"" help:"Work item ID."`
	Reason string `help:"Suspension reason." default:"suspended by operator"`
}

func (c *SuspendCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	item, err := cc.orc.Suspend(cc.ctx, id, c.Reason)
	if err != nil {
		return err
	}
	return printItem(item)
}

// WakeCmd wakes a waiting item.
type WakeCmd struct {
	ID string `arg:"" help:"Work item ID."`
}

func (c *WakeCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	item, err := cc.orc.Wake(cc.ctx, id)
	if err != nil {
		return err
	}
	return printItem(item)
}

// StatusCmd prints one item.
type StatusCmd struct {
	ID string `arg:"" help:"Work item ID."`
}

func (c *StatusCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	item, err := cc.orc.Get(cc.ctx, id)
	if err != nil {
		return err
	}
	return printItem(item)
}

// HistoryCmd prints an item's transitions.
type HistoryCmd struct {
	ID string `arg:"" help:"Work item ID."`
}

func (c *HistoryCmd) Run(cc *cliContext) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}
	history, err := cc.orc.History(cc.ctx, id)
	if err != nil {
		return err
	}
	for _, t := range history {
		fmt.Printf("%s  %s -> %s  stage=%s reason=%q actor=%s\n",
			t.At.Format(time.RFC3339), t.FromState, t.ToState, t.Stage, t.Reason, t.Actor)
	}
	return nil
}

// ListCmd lists items.
type ListCmd struct {
	State string `help:"Filter by state."`
	Stage string `help:"Filter by stage."`
	Limit int    `help:"Maximum rows." default:"50"`
}

func (c *ListCmd) Run(cc *cliContext) error {
	filter := orchestrator.Filter{Limit: c.Limit}
	if c.State != "" {
		filter.States = []orchestrator.State{orchestrator.State(c.State)}
	}
	if c.Stage != "" {
		filter.Stages = []orchestrator.Stage{orchestrator.Stage(c.Stage)}
	}
	items, err := cc.orc.List(cc.ctx, filter)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%s  %-16s %-14s prio=%-4d attempts=%d\n",
			item.ID, item.State, item.Stage, item.Priority, item.AttemptCount)
	}
	return nil
}

// ResumeCmd resumes quota-blocked items.
type ResumeCmd struct {
	Service string `help:"Only items blocked on this service (empty = all)." default:""`
}

func (c *ResumeCmd) Run(cc *cliContext) error {
	n, err := cc.orc.ResumeQuotaExceeded(cc.ctx, c.Service)
	if err != nil {
		return err
	}
	fmt.Printf("resumed %d item(s)\n", n)
	return nil
}

// DLQCmd prints dead-letter records.
type DLQCmd struct {
	Limit int `help:"Maximum rows." default:"50"`
}

func (c *DLQCmd) Run(cc *cliContext) error {
	letters, err := cc.orc.DeadLetters(cc.ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, d := range letters {
		last := ""
		if n := len(d.ErrorChain); n > 0 {
			last = fmt.Sprintf("%s: %s", d.ErrorChain[n-1].Kind, d.ErrorChain[n-1].Message)
		}
		fmt.Printf("%s  item=%s  %s  %s\n", d.At.Format(time.RFC3339), d.WorkItemID, last, compactJSON(d.Payload))
	}
	return nil
}

// QuotaCmd prints quota utilization.
type QuotaCmd struct {
	Service string `arg:"" help:"Service name (e.g. vision)."`
}

func (c *QuotaCmd) Run(cc *cliContext) error {
	statuses, err := cc.orc.QuotaStatus(cc.ctx, c.Service)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		fmt.Printf("%-10s %-9s %12d / %-12d (%5.1f%%)  resets %s\n",
			s.Window, s.Resource, s.Used, s.Limit, s.Percentage, s.ResetAt.Format(time.RFC3339))
	}
	return nil
}

// MetricsCmd prints the aggregate report.
type MetricsCmd struct {
	Since time.Duration `help:"Trailing window." default:"24h"`
}

func (c *MetricsCmd) Run(cc *cliContext) error {
	report, err := cc.orc.Metrics(cc.ctx, time.Now().Add(-c.Since))
	if err != nil {
		return err
	}
	fmt.Println("state distribution:")
	for s, n := range report.StateDistribution {
		fmt.Printf("  %-16s %d\n", s, n)
	}
	fmt.Println("stage latency (ms):")
	for _, s := range report.StageLatency {
		fmt.Printf("  %-14s n=%-6d avg=%-8.1f p50=%-8.1f p95=%.1f\n", s.Name, s.Count, s.AvgMs, s.P50Ms, s.P95Ms)
	}
	fmt.Println("error breakdown:")
	for name, n := range report.ErrorBreakdown {
		fmt.Printf("  %-14s %d\n", name, n)
	}
	fmt.Printf("quota exceeded: %d\n", report.QuotaExceededCount)
	return nil
}

func printItem(item orchestrator.Item) error {
	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func compactJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
