package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/config"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Report is the output of `kfactor report`.
type Report struct {
	GeneratedAt time.Time                   `json:"generatedAt"`
	KFactor     *analytics.KFactorMetrics   `json:"kFactor"`
	Guardrails  *analytics.GuardrailMetrics `json:"guardrails"`
	Cohort      *analytics.CohortAnalysis   `json:"cohortAnalysis,omitempty"`
}

func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cohort   string
		from, to string
		uplift   bool
	)
	cmd.StringVar(&cohort, "cohort", "", "Cohort to report on (REQUIRED)")
	cmd.StringVar(&from, "from", "", "Window start, RFC 3339")
	cmd.StringVar(&to, "to", "", "Window end, RFC 3339")
	cmd.BoolVar(&uplift, "uplift", false, "Include the cohort vs baseline comparison")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cohort == "" {
		fmt.Fprintln(stderr, "Error: --cohort is required")
		cmd.Usage()
		return 2
	}
	tr, err := parseWindow(from, to)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	st, err := openStorage(ctx, cfg, policy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	engine := analytics.NewEngine(st.events,
		analytics.WithTarget(policy.Analytics.KFactorTarget),
		analytics.WithGuardrails(policy.Analytics.Guardrails))
	report, err := buildReport(ctx, engine, cohort, tr, uplift)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func buildReport(ctx context.Context, engine *analytics.Engine, cohort string, tr contracts.TimeRange, uplift bool) (*Report, error) {
	k, err := engine.CalculateKFactor(ctx, cohort, tr)
	if err != nil {
		return nil, err
	}
	g, err := engine.GetGuardrailMetrics(ctx, tr)
	if err != nil {
		return nil, err
	}
	r := &Report{GeneratedAt: time.Now().UTC(), KFactor: k, Guardrails: g}
	if uplift {
		if r.Cohort, err = engine.GetCohortAnalysis(ctx, cohort, tr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func parseWindow(from, to string) (contracts.TimeRange, error) {
	var tr contracts.TimeRange
	var err error
	if from != "" {
		if tr.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return tr, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if tr.End, err = time.Parse(time.RFC3339, to); err != nil {
			return tr, fmt.Errorf("--to: %w", err)
		}
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return tr, fmt.Errorf("--to must not be before --from")
	}
	return tr, nil
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	url := cmd.String("url", "http://localhost:"+config.Load().Port+"/healthz", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
