package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/san-kum/simcap/internal/config"
	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/session"
	"github.com/san-kum/simcap/internal/telemetry"
	"github.com/san-kum/simcap/internal/viz"
)

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, "simcap", version, cfg.Telemetry.Insecure, cfg.Telemetry.Interval)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	if err := checkRunFlags(live, repeat); err != nil {
		return err
	}
	if live {
		return runLive(ctx, cfg)
	}
	if repeat > 1 {
		return runEnsemble(ctx, cfg, logger)
	}

	sess, err := session.New(cfg, session.WithLogger(logger))
	if err != nil {
		return err
	}
	report, err := sess.Run(ctx)
	if report != nil && report.RunID != "" {
		printReport(os.Stdout, report)
	}
	return err
}

func checkRunFlags(live bool, repeat int) error {
	if repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", repeat)
	}
	if live && repeat > 1 {
		return errors.New("--live shows a single session; drop --repeat")
	}
	return nil
}

// runLive drives the session in the background and renders its progress.
// Quitting the view cancels the capture; the truncated run is still saved.
func runLive(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schemas := make(map[string][]string)
	for _, a := range cfg.Agents {
		for _, name := range a.Sensors {
			kind, err := sensors.ParseKind(name)
			if err != nil {
				return err
			}
			schemas[sensors.SeriesID(a.ID, kind)] = kind.Channels()
		}
	}

	p := tea.NewProgram(viz.NewModel(cfg.Name, schemas))

	// The view owns the terminal.
	sess, err := session.New(cfg,
		session.WithLogger(slog.New(slog.DiscardHandler)),
		session.WithProgress(func(pr session.Progress) {
			p.Send(viz.ProgressMsg{Result: pr.Result, Total: pr.Total, Retries: pr.Retries})
		}),
	)
	if err != nil {
		return err
	}

	type outcome struct {
		report *session.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := sess.Run(ctx)
		runID := ""
		if report != nil {
			runID = report.RunID
		}
		p.Send(viz.DoneMsg{RunID: runID, Err: err})
		done <- outcome{report, err}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return err
	}
	cancel()
	res := <-done
	if res.report != nil && res.report.RunID != "" {
		printReport(os.Stdout, res.report)
	}
	if errors.Is(res.err, context.Canceled) {
		fmt.Println("capture stopped early; partial run saved")
		return nil
	}
	return res.err
}

func runEnsemble(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	e, err := session.NewEnsemble(cfg, repeat, session.WithLogger(logger))
	if err != nil {
		return err
	}
	reports, err := e.Run(ctx)
	for _, r := range reports {
		if r != nil && r.RunID != "" {
			printReport(os.Stdout, r)
			fmt.Println()
		}
	}
	return err
}

func printReport(out io.Writer, r *session.Report) {
	fmt.Fprintf(out, "run: %s\n", r.RunID)
	fmt.Fprintf(out, "dir: %s\n", r.Dir)
	fmt.Fprintf(out, "ticks: %d  retries: %d", r.Ticks, r.Retries)
	if r.Truncated {
		fmt.Fprint(out, "  (truncated)")
	}
	fmt.Fprint(out, "\n\n")

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIES\tSAMPLES\tPARTIAL\tLATE\tCOMPLETENESS\tLONGEST GAP")
	for _, s := range r.Series {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\t%.0f\n",
			s.ID, s.Samples, s.Partial, s.Late,
			100*s.Metrics["completeness"], s.Metrics["longest_gap"])
	}
	w.Flush()
}
