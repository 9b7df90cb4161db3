package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/models"
	"github.com/dermaflow/dermaflow/internal/pipeline"
	"github.com/dermaflow/dermaflow/internal/review"
	"github.com/dermaflow/dermaflow/internal/session"
	"github.com/dermaflow/dermaflow/internal/tools"
)

// NewDiagnoseCommand returns the diagnose subcommand: a full consultation in
// the terminal, without the gateway.
func NewDiagnoseCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagnose",
		Usage:     "Run a diagnostic consultation from the command line",
		ArgsUsage: "<patient description>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "Path to a lesion photograph",
			},
			&cli.BoolFlag{
				Name:  "no-clarify",
				Usage: "Skip the clarification questions",
			},
		},
		Action: runDiagnose,
	}
}

func runDiagnose(_ context.Context, cmd *cli.Command) error {
	patientText := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if patientText == "" {
		return fmt.Errorf("usage: dermaflow diagnose <patient description>")
	}

	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		// Keep the terminal readable; progress comes from the event stream.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	unsubscribe := bus.Subscribe(func(e events.Event) {
		if p, ok := events.ExtractPayload[events.TaskDonePayload](e); ok {
			fmt.Fprintf(os.Stderr, "  ✓ %s: %s\n", p.Agent, p.Summary)
		}
	}, events.EventTaskDone)
	defer unsubscribe()

	registry := models.NewRegistry(cfg.Models)
	pubmed := tools.NewPubMedClient(cfg.Tools.PubMed)

	store, err := audit.OpenStore(filepath.Join(config.DataPath(), "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	runner := pipeline.NewRunner(cfg.Pipeline, registry, pubmed, bus)
	rounds := cfg.Pipeline.MaxClarificationRounds
	if cmd.Bool("no-clarify") {
		rounds = 0
	}
	clarifier := pipeline.NewClarifier(
		pipeline.NewInvoker(registry).WithCallTimeout(cfg.Pipeline.CallTimeout.Duration()), rounds)

	manager := session.NewManager(cfg.Pipeline, runner, clarifier, store, bus)
	manager.Start(ctx)

	profile, err := agents.LoadProfile(config.ProfilePath())
	if err != nil {
		profile = &agents.PatientProfile{Name: "Anonymous"}
	}

	fmt.Fprintln(os.Stderr, "Starting consultation...")
	sess, assessment, err := manager.Create(patientText, cmd.String("image"), profile)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	if assessment.Needs && !cmd.Bool("no-clarify") {
		fmt.Fprintln(os.Stderr, "\nA few follow-up questions first:")
		answers := make([]string, 0, len(assessment.Questions))
		for _, q := range assessment.Questions {
			fmt.Fprintf(os.Stderr, "  %s\n  > ", q)
			line, _ := reader.ReadString('\n')
			answers = append(answers, strings.TrimSpace(line))
		}
		if err := manager.Answer(sess, answers); err != nil {
			return err
		}
	} else if assessment.Needs {
		if err := manager.Analyze(sess); err != nil {
			return err
		}
	}

	for {
		if err := waitForVerdict(ctx, sess); err != nil {
			return err
		}

		if sess.Machine.State() == review.StateFailed {
			fmt.Fprintf(os.Stderr, "\nAnalysis failed; stages without output: %v\n", sess.FailedTasks())
		} else {
			printReport(sess)
		}

		fmt.Fprint(os.Stderr, "\n[a]pprove, [r]eject with feedback, or [q]uit: ")
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a":
			if err := manager.Approve(sess); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Result approved and recorded.")
			return nil
		case "r":
			fmt.Fprint(os.Stderr, "Feedback for the next run: ")
			feedback, _ := reader.ReadString('\n')
			if err := manager.Reject(sess, strings.TrimSpace(feedback), review.ScopeFull); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Re-running with your feedback...")
		default:
			return nil
		}
	}
}

func waitForVerdict(ctx context.Context, sess *session.Session) error {
	for {
		switch sess.Machine.State() {
		case review.StateAwaitingReview, review.StateFailed:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func printReport(sess *session.Session) {
	final := sess.Result()
	if final == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "\n=== Diagnosis (run %d) ===\n", sess.Trail.CurrentRun())
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", final)
		return
	}
	fmt.Println(string(data))
}
