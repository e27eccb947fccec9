// Command smoke drives one application from submission to disbursement
// against a running development server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"zakat.org/internal/auth"
	"zakat.org/internal/client"
	"zakat.org/internal/zakat"
)

func main() {
	log.SetFlags(0)
	var (
		addr    = flag.String("addr", envOr("ZAKAT_SMOKE_ADDR", "http://localhost:8080"), "API base URL")
		superID = flag.String("super", envOr("ZAKAT_SMOKE_SUPER_ADMIN", "demo-super"), "existing super_admin user id")
		masjid  = flag.String("masjid", "masjid-smoke", "masjid id for the test admin")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, client.New(*addr), *superID, *masjid); err != nil {
		log.Fatalf("smoke: %v", err)
	}
}

func run(ctx context.Context, base *client.Client, superID, masjid string) error {
	suffix := uuid.NewString()[:8]

	superTok, err := base.DevToken(ctx, superID)
	if err != nil {
		return fmt.Errorf("super admin token: %w", err)
	}
	admin, err := base.Register(ctx, "admin-"+suffix+"@smoke.test", "Smoke Admin")
	if err != nil {
		return fmt.Errorf("register admin: %w", err)
	}
	if err := base.As(superTok.Token).SetUserRole(ctx, admin.User.ID, auth.RoleZakatAdmin, masjid); err != nil {
		return fmt.Errorf("promote admin: %w", err)
	}
	// claims changed, so the registration token is stale
	adminTok, err := base.DevToken(ctx, admin.User.ID)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	applicant, err := base.Register(ctx, "applicant-"+suffix+"@smoke.test", "Smoke Applicant")
	if err != nil {
		return fmt.Errorf("register applicant: %w", err)
	}

	asAdmin := base.As(adminTok.Token)
	asApplicant := base.As(applicant.Token)

	app, err := asApplicant.CreateApplication(ctx, masjid, zakat.Form{HouseholdSize: 3, RequestedAmount: 100_00, Reason: "smoke"}, "123-45-6789")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := asApplicant.SubmitApplication(ctx, app.ID); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if _, err := asAdmin.Assign(ctx, app.ID); err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if _, err := asAdmin.ChangeStatus(ctx, app.ID, zakat.StatusUnderReview, "smoke"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if _, err := asAdmin.Approve(ctx, app.ID, 100_00, zakat.MethodCash); err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	key := "smoke-" + suffix
	first, err := asAdmin.Disburse(ctx, app.ID, 60_00, zakat.MethodCash, key)
	if err != nil {
		return fmt.Errorf("disburse: %w", err)
	}
	replay, err := asAdmin.Disburse(ctx, app.ID, 60_00, zakat.MethodCash, key)
	if err != nil {
		return fmt.Errorf("disburse replay: %w", err)
	}
	if first.ID != replay.ID {
		return fmt.Errorf("idempotency key ignored: %s != %s", first.ID, replay.ID)
	}

	sum, err := asApplicant.ApplicantSummary(ctx, "")
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	if sum.Total != 60_00 || sum.Count != 1 {
		return fmt.Errorf("unexpected summary: total=%d count=%d", sum.Total, sum.Count)
	}

	fmt.Printf("smoke passed: application=%s disbursement=%s\n", app.ApplicationNumber, first.ID)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
