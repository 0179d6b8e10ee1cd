// Package main provides the CLI entrypoint for qatrack.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/qatrack/internal/api"
	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/md"
	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	logLevel   string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "qatrack",
		Short: "Mirror Jira issues into a local QA tracking store",
		Long: `qatrack mirrors the issues of a Jira project into a local SQLite store
where QA progress and notes are tracked alongside the remote fields.

Remote fields are refreshed on every sync; qa_status and memo are never
overwritten by a sync.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default qatrack.yaml or $QATRACK_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides database.path)")

	root.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newCyclesCmd(opts),
		newDiagnoseCmd(opts),
		newSuggestCmd(opts),
		newResetCmd(opts),
		newExportCmd(opts),
		newPingCmd(opts),
	)
	return root
}

// openApp loads the configuration and wires the application for cmd.
func openApp(cmd *cobra.Command, opts *cliOptions, local bool) (*app, error) {
	cfg, err := loadConfig(opts, local)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

var projectKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

// validateProjectKey normalizes a project key to upper case and checks its
// shape.
func validateProjectKey(key string) (string, error) {
	k := strings.ToUpper(strings.TrimSpace(key))
	if k == "" {
		return "", errors.New("project key is required")
	}
	if !projectKeyRe.MatchString(k) {
		return "", fmt.Errorf("invalid project key %q: must start with a letter and contain only letters, digits and underscores", key)
	}
	return k, nil
}

// parseKeys splits a comma or whitespace separated list of issue keys.
func parseKeys(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, strings.ToUpper(f))
	}
	return keys
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.Server.ListenAddr
			}

			srv := api.NewServer(api.Deps{
				DB:       a.db,
				Jira:     a.jira,
				Runner:   a.runner,
				Statuses: a.statuses,
				Resolver: a.resolver,
				Resetter: a.resetter,
				Cycles:   a.cycles,
			})
			bound, err := srv.Start(addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", bound)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.listen_addr)")
	return cmd
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var selected string
	var quick bool
	var limit int
	cmd := &cobra.Command{
		Use:   "sync <PROJECT>",
		Short: "Reconcile a project's issues into the local store",
		Long: `Fetch the issues of a Jira project and upsert them into the local store.

With --select only the listed issues are fetched. With --quick the search
stops at the quick limit (or --cap).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := validateProjectKey(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.runner.StartSync(cmd.Context(), sync.Request{
				ProjectKey: key,
				Selected:   parseKeys(selected),
				Quick:      quick,
				Cap:        limit,
			})
			if err != nil {
				return err
			}
			runErr := watch(cmd.Context(), cmd.OutOrStdout(), a.statuses, h)

			out := cmd.OutOrStdout()
			if res := h.Result(); res != nil {
				fmt.Fprintf(out, "run %s: %d fetched, %d created, %d updated, %d failed\n",
					res.RunID, res.Total, res.Created, res.Updated, res.Failed)
				if res.Diagnosis != nil {
					printDiagnosis(out, res.Diagnosis)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&selected, "select", "", "comma-separated issue keys to sync instead of the whole project")
	cmd.Flags().BoolVar(&quick, "quick", false, "stop after the quick limit")
	cmd.Flags().IntVar(&limit, "cap", 0, "record cap for --quick")
	return cmd
}

func newCyclesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles <PROJECT>",
		Short: "Reconcile a project's Zephyr test cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := validateProjectKey(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.cycles {
				return errors.New("zephyr is not configured: set zephyr.token")
			}

			h, err := a.runner.StartCycles(cmd.Context(), key)
			if err != nil {
				return err
			}
			runErr := watch(cmd.Context(), cmd.OutOrStdout(), a.statuses, h)
			if res := h.CycleResult(); res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d cycles, %d created, %d updated, %d failed\n",
					res.RunID, res.Total, res.Created, res.Updated, res.Failed)
			}
			return runErr
		},
	}
}

// watch prints the status of h's target whenever its percentage or phase
// changes, until the run ends.
func watch(ctx context.Context, out io.Writer, statuses status.Store, h *sync.Handle) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last status.Status
	show := func() {
		st, err := statuses.Read(ctx, h.Target)
		if err != nil || (st.Percent == last.Percent && st.Phase == last.Phase) {
			return
		}
		last = st
		fmt.Fprintf(out, "[%3d%%] %-10s %s\n", st.Percent, st.Phase, st.Message)
	}

	for {
		select {
		case <-h.Done:
			show()
			return h.Wait(ctx)
		case <-ticker.C:
			show()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newDiagnoseCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnose <PROJECT>",
		Short: "Explain why a project sync finds nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := validateProjectKey(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.resolver.Diagnose(cmd.Context(), key)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printDiagnosis(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, d *diagnose.Diagnosis) {
	fmt.Fprintf(w, "project %s: exists=%t accessible=%t issues=%d\n", d.ProjectKey, d.Exists, d.Accessible, d.IssueCount)
	if len(d.Causes) > 0 {
		fmt.Fprintln(w, "possible causes:")
		for _, c := range d.Causes {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}
	if len(d.Remediation) > 0 {
		fmt.Fprintln(w, "what to try:")
		for _, r := range d.Remediation {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if len(d.Alternatives) > 0 {
		fmt.Fprintln(w, "similar projects:")
		printAlternatives(w, d.Alternatives)
	}
}

func printAlternatives(w io.Writer, alts []diagnose.Alternative) {
	for _, alt := range alts {
		fmt.Fprintf(w, "  %-12s %6d issues  %s\n", alt.Key, alt.IssueCount, alt.Name)
	}
}

func newSuggestCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <PROJECT>",
		Short: "List projects that resemble a key and have issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := validateProjectKey(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			alts, err := a.resolver.SuggestAlternatives(cmd.Context(), key)
			if err != nil {
				return err
			}
			if len(alts) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no projects resembling %s have issues\n", key)
				return nil
			}
			printAlternatives(cmd.OutOrStdout(), alts)
			return nil
		},
	}
}

func newResetCmd(opts *cliOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <PROJECT|all>",
		Short: "Delete the local mirror of a project, or of everything",
		Long: `Delete a project's tasks, cycles and links from the local store. "all"
also clears the sync run history.

When sync.backup_dir is set a markdown backup of every affected project is
written first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if strings.EqualFold(target, store.ResetAll) {
				target = store.ResetAll
			} else {
				k, err := validateProjectKey(target)
				if err != nil {
					return err
				}
				target = k
			}

			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), target) {
				return errors.New("reset cancelled")
			}

			a, err := openApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.resetter.Reset(cmd.Context(), target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			d := rep.Deleted
			fmt.Fprintf(out, "reset %s: %d projects, %d tasks, %d cycles, %d links, %d runs deleted\n",
				target, d.Projects, d.Tasks, d.Cycles, d.Links, d.Runs)
			for _, p := range rep.Backups {
				fmt.Fprintf(out, "backup written to %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirm asks the user to type target back.
func confirm(in io.Reader, out io.Writer, target string) bool {
	fmt.Fprintf(out, "This deletes the local data of %s and cannot be undone.\nType %q to confirm: ", target, target)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == target
}

func newExportCmd(opts *cliOptions) *cobra.Command {
	var outPath, format string
	cmd := &cobra.Command{
		Use:   "export <PROJECT>",
		Short: "Write a project's tasks as markdown or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := validateProjectKey(args[0])
			if err != nil {
				return err
			}
			f, err := md.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := sync.LoadExport(cmd.Context(), a.db.Queries, key)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("project %s has not been synchronized", key)
				}
				return err
			}
			e.Reason = "export"

			if outPath == "" || outPath == "-" {
				data, err := md.Render(e, f)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if _, err := ensureDir(filepath.Dir(outPath)); err != nil {
				return err
			}
			if err := md.WriteFile(outPath, f, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d tasks to %s\n", len(e.Tasks), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVarP(&format, "format", "f", "md", "output format: md or json")
	return cmd
}

// ensureDir creates dir if needed and reports whether it had to.
func ensureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%q is not a directory", dir)
		}
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("cannot access %q: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create %q: %w", dir, err)
	}
	return true, nil
}

func newPingCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the Jira credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireJira(); err != nil {
				return err
			}

			u, err := a.jira.Myself(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s\n", a.cfg.Jira.BaseURL, u.DisplayName)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
