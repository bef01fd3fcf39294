package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/pay2ping/internal/platform/timeouts"
	"github.com/louisbranch/pay2ping/internal/services/worker/attendance"
	"github.com/louisbranch/pay2ping/internal/services/worker/disbursement"
	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLookback = 6 * time.Hour
	defaultLeaseTTL = 5 * time.Minute
	defaultOwner    = "worker"

	tracerName = "github.com/louisbranch/pay2ping/internal/services/worker/app"
)

// Per-record outcome labels, shared by TickReport and metrics.
const (
	outcomeSkipped     = "skipped"
	outcomeEscalated   = "escalated"
	outcomeRefunded    = "refunded"
	outcomeClaimed     = "claimed"
	outcomeCheckFailed = "error_checking"
	outcomeMissingData = "error_release_missing_data"
	outcomeReleaseFail = "error_release_failed"
	outcomeNeedsReview = "needs_review"
	outcomeStoreError  = "store_error"
)

// Store is the persistence the reconciler needs.
type Store interface {
	storage.StakeStore
	storage.LeaseStore
}

// Config controls one reconciler.
type Config struct {
	// Owner identifies this process on leases it takes.
	Owner          string
	Lookback       time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	VerifyTimeout  time.Duration
	ReleaseTimeout time.Duration
}

func (c Config) normalized() Config {
	c.Owner = strings.TrimSpace(c.Owner)
	if c.Owner == "" {
		c.Owner = defaultOwner
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = timeouts.VerifyAttendance
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = timeouts.Release
	}
	return c
}

// TickReport counts what one tick did.
type TickReport struct {
	Recovered   int
	Found       int
	Skipped     int
	Escalated   int
	Refunded    int
	Claimed     int
	CheckFailed int
	MissingData int
	ReleaseFail int
	NeedsReview int
	StoreErrors int
}

func (r *TickReport) add(outcome string) {
	switch outcome {
	case outcomeSkipped:
		r.Skipped++
	case outcomeEscalated:
		r.Escalated++
	case outcomeRefunded:
		r.Refunded++
	case outcomeClaimed:
		r.Claimed++
	case outcomeCheckFailed:
		r.CheckFailed++
	case outcomeMissingData:
		r.MissingData++
	case outcomeReleaseFail:
		r.ReleaseFail++
	case outcomeNeedsReview:
		r.NeedsReview++
	case outcomeStoreError:
		r.StoreErrors++
	}
}

func (r TickReport) String() string {
	return fmt.Sprintf(
		"found=%d recovered=%d refunded=%d claimed=%d error_checking=%d missing_data=%d release_failed=%d needs_review=%d escalated=%d skipped=%d store_errors=%d",
		r.Found, r.Recovered, r.Refunded, r.Claimed, r.CheckFailed, r.MissingData, r.ReleaseFail, r.NeedsReview, r.Escalated, r.Skipped, r.StoreErrors,
	)
}

// Reconciler settles ended stakes: it verifies attendance, decides who is
// paid, releases the funds, and records the result.
type Reconciler struct {
	store    Store
	verifier attendance.Verifier
	releaser disbursement.Releaser
	cfg      Config
	metrics  *Metrics
	clock    func() time.Time
	tracer   trace.Tracer
}

// NewReconciler builds a reconciler. A nil clock uses time.Now.
func NewReconciler(store Store, verifier attendance.Verifier, releaser disbursement.Releaser, cfg Config, metrics *Metrics, clock func() time.Time) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:    store,
		verifier: verifier,
		releaser: releaser,
		cfg:      cfg.normalized(),
		metrics:  metrics,
		clock:    clock,
		tracer:   otel.Tracer(tracerName),
	}
}

// Tick runs one reconciliation pass. Failures on one record are recorded on
// that record and never stop the batch; only a failed scan is returned.
func (r *Reconciler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if r == nil || r.store == nil || r.verifier == nil || r.releaser == nil {
		return report, errors.New("reconciler is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "reconcile.tick")
	defer span.End()

	err := r.tick(ctx, &report)
	r.metrics.observeTick(err, time.Since(started))
	span.SetAttributes(
		attribute.Int("stakes.found", report.Found),
		attribute.Int("stakes.recovered", report.Recovered),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (r *Reconciler) tick(ctx context.Context, report *TickReport) error {
	now := r.clock().UTC()

	recoveries, err := r.store.RecoverExpiredLeases(ctx, now)
	if err != nil {
		log.Printf("recover expired leases: %v", err)
	}
	for _, recovery := range recoveries {
		log.Printf("stake %s: lease held by %s expired, moved to %s", recovery.EscrowID, recovery.Owner, recovery.To)
		r.metrics.observeRecovery(string(recovery.To))
	}
	report.Recovered = len(recoveries)

	records, err := r.store.FindEligible(ctx, now, r.cfg.Lookback)
	if err != nil {
		return fmt.Errorf("find eligible stakes: %w", err)
	}
	report.Found = len(records)

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tick interrupted after %d of %d stakes: %w", i, len(records), err)
		}
		outcome := r.process(ctx, record)
		report.add(outcome)
		r.metrics.observeOutcome(outcome)
	}
	return nil
}

// process settles one record and returns its outcome label.
func (r *Reconciler) process(ctx context.Context, record storage.StakeRecord) string {
	ctx, span := r.tracer.Start(ctx, "reconcile.stake", trace.WithAttributes(
		attribute.String("stake.escrow_id", record.EscrowID),
		attribute.String("stake.meeting_id", record.MeetingID),
		attribute.String("stake.status", string(record.Status)),
	))
	defer span.End()

	outcome := r.settle(ctx, record)
	span.SetAttributes(attribute.String("stake.outcome", outcome))
	return outcome
}

func (r *Reconciler) settle(ctx context.Context, record storage.StakeRecord) string {
	escrowID := record.EscrowID
	if record.Status == domain.StatusProcessing {
		return outcomeSkipped
	}

	if r.cfg.MaxAttempts > 0 && record.AttemptCount >= r.cfg.MaxAttempts && domain.CanTransition(record.Status, domain.StatusNeedsReview) {
		detail := fmt.Sprintf("gave up after %d attempts; last error: %s", record.AttemptCount, record.LastError)
		log.Printf("stake %s: %s", escrowID, detail)
		if !r.write(ctx, escrowID, domain.StatusNeedsReview, "", detail, false) {
			return outcomeStoreError
		}
		return outcomeEscalated
	}

	now := r.clock().UTC()
	claimed, err := r.store.ClaimForProcessing(ctx, escrowID, r.cfg.Owner, now, r.cfg.LeaseTTL)
	if err != nil {
		log.Printf("stake %s: claim for processing: %v", escrowID, err)
		return outcomeStoreError
	}
	if !claimed {
		return outcomeSkipped
	}

	verifyCtx, cancelVerify := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	attendees, err := r.verifier.Attendees(verifyCtx, record.MeetingID)
	cancelVerify()
	if err != nil {
		if errors.Is(err, attendance.ErrReportNotReady) {
			log.Printf("stake %s: attendance report for meeting %s not ready, retrying next tick", escrowID, record.MeetingID)
		} else {
			log.Printf("stake %s: verify attendance for meeting %s: %v", escrowID, record.MeetingID, err)
		}
		if !r.write(ctx, escrowID, domain.StatusErrorChecking, "", "verify attendance: "+err.Error(), true) {
			return outcomeStoreError
		}
		return outcomeCheckFailed
	}

	attended := domain.Attended(record.AttendeeContact, attendees)
	disposition := domain.Decide(record.Stake, attended)
	log.Printf("stake %s: meeting %s attended=%t, releasing to %s", escrowID, record.MeetingID, attended, disposition.Target)

	if err := domain.ValidateRelease(record.Stake, disposition); err != nil {
		log.Printf("stake %s: %v", escrowID, err)
		if !r.write(ctx, escrowID, domain.StatusErrorReleaseMissingData, "", err.Error(), true) {
			return outcomeStoreError
		}
		return outcomeMissingData
	}

	if err := r.store.MarkReleaseStarted(ctx, escrowID, r.cfg.Owner, r.clock().UTC()); err != nil {
		log.Printf("stake %s: mark release started: %v", escrowID, err)
		return outcomeStoreError
	}

	// A submitted release runs to its own timeout; the tick deadline does not cut it short.
	releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	confirmation, err := r.releaser.Release(releaseCtx, disbursement.Release{
		EscrowID:    escrowID,
		VaultID:     record.VaultID,
		Initializer: record.InitializerID,
		Recipient:   disposition.Recipient,
		Amount:      record.StakeAmount,
	})
	cancelRelease()

	switch disbursement.Classify(err) {
	case disbursement.OutcomeConfirmed:
		log.Printf("stake %s: released, status %s, confirmation %s", escrowID, disposition.Target, confirmation)
		if !r.write(ctx, escrowID, disposition.Target, confirmation, "", true) {
			return outcomeStoreError
		}
		if disposition.Target == domain.StatusRefunded {
			return outcomeRefunded
		}
		return outcomeClaimed
	case disbursement.OutcomeFailed:
		log.Printf("stake %s: release failed: %v", escrowID, err)
		target, outcome := domain.StatusErrorReleaseFailed, outcomeReleaseFail
		if errors.Is(err, disbursement.ErrValidation) {
			target, outcome = domain.StatusErrorReleaseMissingData, outcomeMissingData
		}
		if !r.write(ctx, escrowID, target, "", "release: "+err.Error(), true) {
			return outcomeStoreError
		}
		return outcome
	default:
		log.Printf("stake %s: release outcome unknown, needs review: %v", escrowID, err)
		if !r.write(ctx, escrowID, domain.StatusNeedsReview, "", "release outcome unknown: "+errString(err), true) {
			return outcomeStoreError
		}
		return outcomeNeedsReview
	}
}

// write records a status change. It survives cancellation of the tick
// context so results of calls already made are not lost.
func (r *Reconciler) write(ctx context.Context, escrowID string, status domain.Status, confirmation, detail string, leased bool) bool {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StoreWrite)
	defer cancel()

	update := storage.StatusUpdate{
		Status:          status,
		ConfirmationRef: confirmation,
		Detail:          detail,
		UpdatedAt:       r.clock().UTC(),
	}
	if leased {
		update.Owner = r.cfg.Owner
	}
	if err := r.store.UpdateStatus(writeCtx, escrowID, update); err != nil {
		log.Printf("stake %s: update status to %s: %v", escrowID, status, err)
		return false
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
