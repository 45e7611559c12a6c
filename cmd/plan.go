package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/message"

	"grimm.is/harborshield/internal/i18n"
	"grimm.is/harborshield/internal/observer"
	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
)

// planTimeout bounds the runtime listing and state read.
const planTimeout = 30 * time.Second

// Plan is the result of a dry-run compilation.
type Plan struct {
	Current  ruleset.RuleSet
	Target   ruleset.RuleSet
	Delta    ruleset.Delta
	Managed  int
	Warnings []error
}

// RunPlan lists the running containers, compiles the ruleset they declare
// and prints a unified diff against the persisted ruleset. Nothing is
// applied. It returns ErrChangesPending when the diff is not empty.
func RunPlan(opts Options, showOps bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), planTimeout)
	defer cancel()

	rt, err := observer.NewDockerRuntime(cfg.Runtime.DockerHost)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer rt.Close()

	list, err := rt.List(ctx)
	if err != nil {
		return err
	}
	applied, _, err := readState(ctx, cfg.DataDir, 0)
	if err != nil {
		return err
	}
	var current ruleset.RuleSet
	if applied != nil {
		current = applied.RuleSet
	}

	plan, err := buildPlan(ctx, list, current, planConfig{
		table:       cfg.Table,
		labelPrefix: cfg.LabelPrefix,
		workers:     cfg.Reconcile.Workers,
	})
	if err != nil {
		return err
	}

	renderPlan(os.Stdout, Printer, plan, showOps)
	if !plan.Delta.Empty() {
		return ErrChangesPending
	}
	return nil
}

type planConfig struct {
	table       string
	labelPrefix string
	workers     int
}

// buildPlan compiles the target ruleset for list and diffs it against
// current.
func buildPlan(ctx context.Context, list []observer.ContainerInfo, current ruleset.RuleSet, cfg planConfig) (Plan, error) {
	reg := observer.NewRegistry(cfg.labelPrefix)
	reg.Replace(list)

	res, err := policy.ResolveAll(ctx, reg.Snapshot(), cfg.workers)
	if err != nil {
		return Plan{}, err
	}
	target := ruleset.Compile(res.Policies, ruleset.Options{Table: cfg.table})
	if err := target.Validate(); err != nil {
		return Plan{}, fmt.Errorf("compiled ruleset is invalid: %w", err)
	}

	return Plan{
		Current:  current,
		Target:   target,
		Delta:    ruleset.Diff(current, target),
		Managed:  len(res.Policies),
		Warnings: res.Errors,
	}, nil
}

func renderPlan(w io.Writer, p *message.Printer, plan Plan, showOps bool) {
	for _, err := range plan.Warnings {
		fmt.Fprintln(w, styleWarn.Render(p.Sprintf(i18n.MsgPolicyError, err)))
	}

	if plan.Delta.Empty() {
		printLine(w, p, i18n.MsgNoChanges)
	} else {
		text, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(ruleset.Render(plan.Current)),
			B:        difflib.SplitLines(ruleset.Render(plan.Target)),
			FromFile: "applied",
			ToFile:   "planned",
			Context:  3,
		})
		fmt.Fprint(w, text)
		fmt.Fprintln(w, styleMuted.Render("# "+plan.Delta.Summary()))
		if showOps {
			fmt.Fprintln(w)
			fmt.Fprint(w, ruleset.RenderDelta(plan.Delta))
		}
	}

	stats := plan.Target.Stats()
	printLine(w, p, i18n.MsgPlanSummary, plan.Managed, stats.Entries, stats.Elements)
}
