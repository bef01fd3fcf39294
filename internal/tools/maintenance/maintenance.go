package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/pay2ping/internal/platform/cmd"
	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath       string        `env:"PAY2PING_WORKER_DB_PATH"`
	Timeout      time.Duration `env:"PAY2PING_MAINTENANCE_TIMEOUT" envDefault:"1m"`
	Report       bool
	ReportLimit  int
	History      bool
	Requeue      bool
	Resolve      bool
	AppendPath   string
	EscrowID     string
	Status       string
	Confirmation string
	Note         string
	JSONOutput   bool
}

type envConfig struct {
	DBPath  string        `env:"PAY2PING_WORKER_DB_PATH"`
	Timeout time.Duration `env:"PAY2PING_MAINTENANCE_TIMEOUT" envDefault:"1m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := entrypoint.ParseConfig(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:      envCfg.DBPath,
		Timeout:     envCfg.Timeout,
		ReportLimit: 50,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "stakes.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to stake sqlite database (default: PAY2PING_WORKER_DB_PATH or data/stakes.db)")
	fs.BoolVar(&cfg.Report, "report", false, "list stakes waiting for an operator (missing release data or needs review)")
	fs.IntVar(&cfg.ReportLimit, "report-limit", cfg.ReportLimit, "max stakes to list with -report")
	fs.BoolVar(&cfg.History, "history", false, "print the status history of -escrow-id")
	fs.BoolVar(&cfg.Requeue, "requeue", false, "move -escrow-id back to scheduled after its data was fixed or its release checked")
	fs.BoolVar(&cfg.Resolve, "resolve", false, "settle a needs_review stake as -status with -confirmation")
	fs.StringVar(&cfg.AppendPath, "append", "", "append stakes from a JSON file (array of stake objects)")
	fs.StringVar(&cfg.EscrowID, "escrow-id", "", "escrow id for -history, -requeue, or -resolve")
	fs.StringVar(&cfg.Status, "status", "", "terminal status for -resolve (refunded|claimed)")
	fs.StringVar(&cfg.Confirmation, "confirmation", "", "ledger confirmation reference for -resolve")
	fs.StringVar(&cfg.Note, "note", "", "operator note recorded on the transition")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if err := validateMode(cfg); err != nil {
		return err
	}

	store, err := openStakeStore(cfg.DBPath, cfg.AppendPath != "")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close stake store: %v\n", closeErr)
		}
	}()
	return runWithStore(ctx, cfg, store, time.Now().UTC(), out, errOut)
}

func validateMode(cfg Config) error {
	modes := 0
	for _, enabled := range []bool{cfg.Report, cfg.History, cfg.Requeue, cfg.Resolve, strings.TrimSpace(cfg.AppendPath) != ""} {
		if enabled {
			modes++
		}
	}
	if modes == 0 {
		return errors.New("one of -report, -history, -requeue, -resolve, or -append is required")
	}
	if modes > 1 {
		return errors.New("-report, -history, -requeue, -resolve, and -append are mutually exclusive")
	}
	needsEscrow := cfg.History || cfg.Requeue || cfg.Resolve
	if needsEscrow && strings.TrimSpace(cfg.EscrowID) == "" {
		return errors.New("-escrow-id is required")
	}
	if !needsEscrow && strings.TrimSpace(cfg.EscrowID) != "" {
		return errors.New("-escrow-id is only valid with -history, -requeue, or -resolve")
	}
	if cfg.Report && cfg.ReportLimit <= 0 {
		return errors.New("-report-limit must be > 0")
	}
	if cfg.Resolve {
		if strings.TrimSpace(cfg.Confirmation) == "" {
			return errors.New("-confirmation is required with -resolve")
		}
		status, err := domain.ParseStatus(cfg.Status)
		if err != nil {
			return err
		}
		if !status.IsTerminal() {
			return fmt.Errorf("-status must be %s or %s", domain.StatusRefunded, domain.StatusClaimed)
		}
	} else if strings.TrimSpace(cfg.Status) != "" || strings.TrimSpace(cfg.Confirmation) != "" {
		return errors.New("-status and -confirmation are only valid with -resolve")
	}
	return nil
}

func runWithStore(ctx context.Context, cfg Config, store stakeStore, now time.Time, out io.Writer, errOut io.Writer) error {
	switch {
	case cfg.Report:
		return runReport(ctx, store, cfg.ReportLimit, cfg.JSONOutput, out)
	case cfg.History:
		return runHistory(ctx, store, cfg.EscrowID, cfg.JSONOutput, out)
	case cfg.Requeue:
		return runRequeue(ctx, store, cfg.EscrowID, cfg.Note, now, cfg.JSONOutput, out)
	case cfg.Resolve:
		status, err := domain.ParseStatus(cfg.Status)
		if err != nil {
			return err
		}
		return runResolve(ctx, store, cfg.EscrowID, status, cfg.Confirmation, cfg.Note, now, cfg.JSONOutput, out)
	default:
		return runAppend(ctx, store, cfg.AppendPath, cfg.JSONOutput, out, errOut)
	}
}

type stakeRow struct {
	EscrowID        string `json:"escrow_id"`
	Status          string `json:"status"`
	MeetingID       string `json:"meeting_id"`
	MeetingEndTime  string `json:"meeting_end_time"`
	AttemptCount    int    `json:"attempt_count"`
	ConfirmationRef string `json:"confirmation_ref,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

type attentionReport struct {
	Mode   string     `json:"mode"`
	Limit  int        `json:"limit"`
	Stakes []stakeRow `json:"stakes"`
}

type historyRow struct {
	From            string `json:"from"`
	To              string `json:"to"`
	ConfirmationRef string `json:"confirmation_ref,omitempty"`
	Detail          string `json:"detail,omitempty"`
	At              string `json:"at"`
}

type historyReport struct {
	Mode        string       `json:"mode"`
	EscrowID    string       `json:"escrow_id"`
	Status      string       `json:"status"`
	Transitions []historyRow `json:"transitions"`
}

type transitionResult struct {
	Mode     string `json:"mode"`
	EscrowID string `json:"escrow_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

func toStakeRow(record storage.StakeRecord) stakeRow {
	return stakeRow{
		EscrowID:        record.EscrowID,
		Status:          string(record.Status),
		MeetingID:       record.MeetingID,
		MeetingEndTime:  record.MeetingEndRaw,
		AttemptCount:    record.AttemptCount,
		ConfirmationRef: record.LastConfirmationRef,
		LastError:       record.LastError,
		UpdatedAt:       record.UpdatedAt.Format(time.RFC3339),
	}
}

func runReport(ctx context.Context, store stakeStore, limit int, jsonOutput bool, out io.Writer) error {
	if store == nil {
		return fmt.Errorf("stake store is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("report limit must be > 0")
	}
	records, err := store.ListNeedsAttention(ctx, limit)
	if err != nil {
		return fmt.Errorf("list stakes needing attention: %w", err)
	}

	rows := make([]stakeRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, toStakeRow(record))
	}
	if jsonOutput {
		return writeJSON(out, attentionReport{Mode: "report", Limit: limit, Stakes: rows})
	}

	fmt.Fprintf(out, "Stakes needing attention: %d (limit=%d)\n", len(rows), limit)
	for _, row := range rows {
		fmt.Fprintf(out, "- %s status=%s meeting=%s ended=%s attempts=%d updated_at=%s\n",
			row.EscrowID, row.Status, row.MeetingID, row.MeetingEndTime, row.AttemptCount, row.UpdatedAt)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runHistory(ctx context.Context, store stakeStore, escrowID string, jsonOutput bool, out io.Writer) error {
	if store == nil {
		return fmt.Errorf("stake store is not configured")
	}
	escrowID = strings.TrimSpace(escrowID)
	record, err := store.Get(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("get stake %s: %w", escrowID, err)
	}
	transitions, err := store.ListTransitions(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("list transitions for %s: %w", escrowID, err)
	}

	rows := make([]historyRow, 0, len(transitions))
	for _, transition := range transitions {
		rows = append(rows, historyRow{
			From:            string(transition.From),
			To:              string(transition.To),
			ConfirmationRef: transition.ConfirmationRef,
			Detail:          transition.Detail,
			At:              transition.CreatedAt.Format(time.RFC3339),
		})
	}
	if jsonOutput {
		return writeJSON(out, historyReport{Mode: "history", EscrowID: escrowID, Status: string(record.Status), Transitions: rows})
	}

	fmt.Fprintf(out, "Stake %s status=%s attempts=%d\n", escrowID, record.Status, record.AttemptCount)
	for _, row := range rows {
		from := row.From
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(out, "- %s %s -> %s", row.At, from, row.To)
		if row.ConfirmationRef != "" {
			fmt.Fprintf(out, " confirmation=%s", row.ConfirmationRef)
		}
		if row.Detail != "" {
			fmt.Fprintf(out, " (%s)", row.Detail)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runRequeue(ctx context.Context, store stakeStore, escrowID, note string, now time.Time, jsonOutput bool, out io.Writer) error {
	return runTransition(ctx, store, "requeue", escrowID, domain.StatusScheduled, "", operatorDetail("requeued by operator", note), now, jsonOutput, out)
}

func runResolve(ctx context.Context, store stakeStore, escrowID string, status domain.Status, confirmation, note string, now time.Time, jsonOutput bool, out io.Writer) error {
	if strings.TrimSpace(confirmation) == "" {
		return fmt.Errorf("confirmation is required")
	}
	return runTransition(ctx, store, "resolve", escrowID, status, confirmation, operatorDetail("resolved by operator", note), now, jsonOutput, out)
}

func runTransition(ctx context.Context, store stakeStore, mode, escrowID string, to domain.Status, confirmation, detail string, now time.Time, jsonOutput bool, out io.Writer) error {
	if store == nil {
		return fmt.Errorf("stake store is not configured")
	}
	escrowID = strings.TrimSpace(escrowID)
	record, err := store.Get(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("get stake %s: %w", escrowID, err)
	}
	if !record.Status.NeedsAttention() {
		return fmt.Errorf("stake %s is %s; only stakes waiting for an operator can be changed", escrowID, record.Status)
	}
	if err := store.UpdateStatus(ctx, escrowID, storage.StatusUpdate{
		Status:          to,
		ConfirmationRef: confirmation,
		Detail:          detail,
		UpdatedAt:       now,
	}); err != nil {
		return fmt.Errorf("%s stake %s: %w", mode, escrowID, err)
	}

	if jsonOutput {
		return writeJSON(out, transitionResult{Mode: mode, EscrowID: escrowID, From: string(record.Status), To: string(to)})
	}
	fmt.Fprintf(out, "Stake %s: %s -> %s\n", escrowID, record.Status, to)
	return nil
}

func operatorDetail(action, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return action
	}
	return action + ": " + note
}

func writeJSON(out io.Writer, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

// openStakeStore opens the stake database. Only -append may create it.
func openStakeStore(path string, create bool) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("stake db path is required")
	}
	if create {
		if dir := filepath.Dir(cleanPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create stake db dir: %w", err)
			}
		}
	} else if _, err := os.Stat(cleanPath); err != nil {
		return nil, fmt.Errorf("stake db %s: %w", cleanPath, err)
	}
	store, err := sqlite.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open stake store: %w", err)
	}
	return store, nil
}

var _ closableStakeStore = (*sqlite.Store)(nil)
