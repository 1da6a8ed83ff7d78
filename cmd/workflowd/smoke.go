package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/calendar"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/config"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/engine"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/identity"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/postings"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/rules"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/sla"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/workflow"
)

const (
	smokeAuthority = "PUDA"
	smokeService   = "no_due_certificate"
	smokeApplicant = "smoke-citizen"
)

// runSmoke drives one application through the full lifecycle against a
// throwaway sqlite database: submit, assign, forward, query, respond, approve,
// then the SLA sweep and a chain verification. It exercises the same wiring a
// route layer would, so a deployment can be checked end to end without
// touching real data. REDIS_ADDR and TOKEN_SECRET are honored if set.
func runSmoke(cfg *config.Config, stderr io.Writer) int {
	ctx := context.Background()
	logger := observability.Logger("smoke")

	fail := func(step string, err error) int {
		fmt.Fprintf(stderr, "workflowd: smoke %s: %v\n", step, err)
		return 1
	}

	dir, err := os.MkdirTemp("", "workflowd-smoke-*")
	if err != nil {
		return fail("tempdir", err)
	}
	defer os.RemoveAll(dir)

	db, err := store.Open(ctx, store.DialectSQLite, filepath.Join(dir, "smoke.db"))
	if err != nil {
		return fail("open", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fail("migrate", err)
	}

	defs, err := workflow.LoadDir(cfg.ServicesDir)
	if err != nil {
		return fail("definitions", err)
	}
	if _, ok := defs.Get(smokeService); !ok {
		return fail("definitions", fmt.Errorf("service %s not configured in %s", smokeService, cfg.ServicesDir))
	}
	rulesEng, err := rules.New()
	if err != nil {
		return fail("rules", err)
	}
	if err := engine.RegisterRules(rulesEng, defs); err != nil {
		return fail("rules", err)
	}

	officers := map[string]string{
		"smoke-clerk": "CLERK",
		"smoke-sr":    "SR_ASSISTANT_ACCOUNTS",
		"smoke-ao":    "ACCOUNT_OFFICER",
	}
	for officer, role := range officers {
		if err := db.Postings().Grant(ctx, contracts.OfficerPosting{
			OfficerID: officer, AuthorityID: smokeAuthority, Role: role,
		}); err != nil {
			return fail("grant", err)
		}
	}

	roleDir, closeDir, err := smokeDirectory(ctx, cfg, db)
	if err != nil {
		return fail("directory", err)
	}
	defer closeDir()

	// Token round trip for the first officer, the way the route layer
	// authenticates before calling the engine.
	tokens := identity.NewTokenManager([]byte(cfg.TokenSecret))
	signed, err := tokens.Generate("smoke-clerk", contracts.ActorOfficer, smokeAuthority, []string{"CLERK"}, time.Hour)
	if err != nil {
		return fail("token", err)
	}
	claims, err := tokens.Validate(signed)
	if err != nil {
		return fail("token", err)
	}
	if !claims.HasRole("CLERK") {
		return fail("token", fmt.Errorf("validated claims missing CLERK role"))
	}

	rec := audit.NewRecorder()
	cal := calendar.New(db.Holidays())
	exec := engine.NewExecutor(db, defs, cal, roleDir, rec).WithRules(rulesEng)
	disp := engine.NewDispatcher(db, roleDir, rec)

	res, err := exec.Submit(ctx, engine.SubmitRequest{
		AuthorityID: smokeAuthority,
		ServiceKey:  smokeService,
		ApplicantID: smokeApplicant,
		Payload:     json.RawMessage(`{"property_id":"SMOKE-1"}`),
	})
	if err != nil {
		return fail("submit", err)
	}
	logger.Info("submitted", "arn", res.ARN, "state", res.NewState)

	if err := disp.Assign(ctx, res.TaskID, claims.Subject); err != nil {
		return fail("assign", err)
	}
	if _, err := exec.Execute(ctx, engine.ActionRequest{
		ARN: res.ARN, Action: "FORWARD", ActorID: claims.Subject, TaskID: res.TaskID,
		Remarks: "records checked",
	}); err != nil {
		return fail("clerk forward", err)
	}

	qres, err := exec.OpenQuery(ctx, res.ARN, "attach latest tax receipt", "smoke-sr")
	if err != nil {
		return fail("query", err)
	}
	rres, err := exec.RespondToQuery(ctx, res.ARN, qres.QueryID, "receipt attached",
		json.RawMessage(`{"tax_receipt":"TR-1"}`), smokeApplicant)
	if err != nil {
		return fail("respond", err)
	}
	logger.Info("query answered", "resumed_state", rres.NewState)

	if _, err := exec.Execute(ctx, engine.ActionRequest{
		ARN: res.ARN, Action: "FORWARD", ActorID: "smoke-sr",
	}); err != nil {
		return fail("sr forward", err)
	}
	final, err := exec.Execute(ctx, engine.ActionRequest{
		ARN: res.ARN, Action: "APPROVE", ActorID: "smoke-ao",
	})
	if err != nil {
		return fail("approve", err)
	}
	if final.Disposal != contracts.DisposalApproved {
		return fail("approve", fmt.Errorf("unexpected disposal %s", final.Disposal))
	}

	sweep := sla.NewDetector(db, rec).DetectBreaches(ctx)
	if len(sweep.Errors) > 0 {
		return fail("sla sweep", fmt.Errorf("%s", sweep.Errors[0]))
	}

	chain, err := audit.NewVerifier(db).VerifyChain(ctx)
	if err != nil {
		return fail("verify chain", err)
	}
	if !chain.OK {
		return fail("verify chain", fmt.Errorf("mismatch at event %s", chain.MismatchEventID))
	}

	logger.Info("smoke passed",
		"arn", res.ARN,
		"disposal", string(final.Disposal),
		"events_verified", chain.Checked,
		"breaches", sweep.BreachedTasks)
	return 0
}

// smokeDirectory builds the postings directory the smoke run authorizes
// against: redis-backed when REDIS_ADDR is set, in-memory otherwise.
func smokeDirectory(ctx context.Context, cfg *config.Config, db *store.DB) (postings.Directory, func(), error) {
	if cfg.RedisAddr == "" {
		return postings.NewMemory(db.Postings(), cfg.PostingsTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return postings.NewRedis(db.Postings(), client, cfg.PostingsTTL), func() { _ = client.Close() }, nil
}
