package worker

import "context"

const (
	JobIdempotencyCleanup = "idempotency-cleanup"
	JobEscrowRelease      = "escrow-release"
	JobCheckoutExpiry     = "checkout-expiry"
	JobCaptureRedrive     = "capture-redrive"
	JobSettlementRedrive  = "settlement-redrive"
	JobDisputeExpiry      = "dispute-expiry"
	JobAuditRelay         = "audit-relay"
)

// DefaultSpecs is the schedule used when configuration leaves a job out.
var DefaultSpecs = map[string]string{
	JobIdempotencyCleanup: "@every 1h",
	JobEscrowRelease:      "@every 5m",
	JobCheckoutExpiry:     "@every 1m",
	JobCaptureRedrive:     "@every 1m",
	JobSettlementRedrive:  "@every 2m",
	JobDisputeExpiry:      "@every 15m",
	JobAuditRelay:         "@every 5s",
}

type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type EscrowReleaser interface {
	ReleaseDue(ctx context.Context) (int, error)
}

type PaymentSweeper interface {
	ExpireCheckouts(ctx context.Context) (int, error)
	ResumeCaptures(ctx context.Context) (int, error)
}

type DisputeSweeper interface {
	ExpireIdle(ctx context.Context) (int, error)
	ResumeSettlements(ctx context.Context) (int, error)
}

type AuditRelay interface {
	Flush(ctx context.Context) (int, error)
}

// Services are the sweep targets. A nil field leaves its jobs out.
type Services struct {
	Idempotency IdempotencyCleaner
	Escrow      EscrowReleaser
	Payments    PaymentSweeper
	Disputes    DisputeSweeper
	Audit       AuditRelay
}

// StandardJobs builds the sweeps for svc. specs overrides DefaultSpecs per
// job name.
func StandardJobs(svc Services, specs map[string]string) []Job {
	spec := func(name string) string {
		if s, ok := specs[name]; ok && s != "" {
			return s
		}
		return DefaultSpecs[name]
	}

	var jobs []Job
	if svc.Idempotency != nil {
		jobs = append(jobs, Job{Name: JobIdempotencyCleanup, Spec: spec(JobIdempotencyCleanup), Run: func(ctx context.Context) (int, error) {
			n, err := svc.Idempotency.Cleanup(ctx)
			return int(n), err
		}})
	}
	if svc.Escrow != nil {
		jobs = append(jobs, Job{Name: JobEscrowRelease, Spec: spec(JobEscrowRelease), Run: svc.Escrow.ReleaseDue})
	}
	if svc.Payments != nil {
		jobs = append(jobs,
			Job{Name: JobCheckoutExpiry, Spec: spec(JobCheckoutExpiry), Run: svc.Payments.ExpireCheckouts},
			Job{Name: JobCaptureRedrive, Spec: spec(JobCaptureRedrive), Run: svc.Payments.ResumeCaptures},
		)
	}
	if svc.Disputes != nil {
		jobs = append(jobs,
			Job{Name: JobSettlementRedrive, Spec: spec(JobSettlementRedrive), Run: svc.Disputes.ResumeSettlements},
			Job{Name: JobDisputeExpiry, Spec: spec(JobDisputeExpiry), Run: svc.Disputes.ExpireIdle},
		)
	}
	if svc.Audit != nil {
		jobs = append(jobs, Job{Name: JobAuditRelay, Spec: spec(JobAuditRelay), Run: svc.Audit.Flush})
	}
	return jobs
}
