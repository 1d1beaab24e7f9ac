// Command license-admin manages the activation ledger: minting and
// revoking license keys, inspecting bindings and the audit trail, and
// exporting the ledger to an Excel workbook for the back office.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"computehub/internal/config"
	"computehub/internal/ledger"
	"computehub/internal/license"
)

var (
	configPath string
	dbPath     string

	cfg     *config.Config
	store   *ledger.Store
	service *ledger.Service
)

var rootCmd = &cobra.Command{
	Use:          "license-admin",
	Short:        "ComputeHub license ledger administration",
	Long:         "Operator tool for the activation ledger: mint and revoke license keys, inspect bindings and audit events, and export the ledger.",
	SilenceUsage: true,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage license keys",
}

var (
	mintTier  string
	mintCount int
	mintNote  string
)

var keysMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint new license keys",
	Long:  "Mints one or more keys and prints each full key exactly once. Every later listing shows only the masked form.",
	RunE:  runKeysMint,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minted keys (masked)",
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <license-key>",
	Short: "Revoke a license key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var bindingsCmd = &cobra.Command{
	Use:   "bindings",
	Short: "Inspect activations",
}

var bindingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active bindings",
	RunE:  runBindingsList,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the audit trail",
}

var eventsLimit int

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	RunE:  runEventsList,
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger to an Excel workbook",
	RunE:  runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $COMPUTEHUB_CONFIG, then config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "ledger database path override")

	keysMintCmd.Flags().StringVar(&mintTier, "tier", "standard", "entitlement tier: standard, pro, or enterprise")
	keysMintCmd.Flags().IntVar(&mintCount, "count", 1, "number of keys to mint")
	keysMintCmd.Flags().StringVar(&mintNote, "note", "", "free-form note stored with the keys")

	eventsListCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to show")

	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default: <export_dir>/activations-<date>.xlsx)")

	keysCmd.AddCommand(keysMintCmd, keysListCmd, keysRevokeCmd)
	bindingsCmd.AddCommand(bindingsListCmd)
	eventsCmd.AddCommand(eventsListCmd)
	rootCmd.AddCommand(keysCmd, bindingsCmd, eventsCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openLedger resolves the database path and opens the store. The --db
// flag wins; otherwise the path comes from configuration. Callers close
// the store when done.
func openLedger() error {
	path := dbPath
	if path == "" {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		path = cfg.Ledger.DatabasePath
	}

	// The CLI reports through stdout and its exit status; store logs
	// stay out of the way.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	store, err = ledger.OpenStore(path, quiet)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	service = ledger.NewService(store, quiet)
	return nil
}

func runKeysMint(cmd *cobra.Command, args []string) error {
	tier, err := license.ParseTier(mintTier)
	if err != nil {
		return err
	}
	if mintCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Minted %d %s key(s):\n\n", mintCount, tier)
	for i := 0; i < mintCount; i++ {
		rec, err := service.MintKey(cmd.Context(), tier, mintNote)
		if err != nil {
			return err
		}
		// The single place a full key is ever printed.
		fmt.Printf("  %s\n", rec.Key)
	}
	fmt.Printf("\nStore these now; listings only show the masked form.\n")
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	keys, err := service.Keys(cmd.Context())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No keys minted")
		return nil
	}

	fmt.Printf("%-32s %-12s %-8s %-20s %s\n", "KEY", "TIER", "STATUS", "CREATED", "NOTE")
	for _, rec := range keys {
		status := "active"
		if rec.Revoked {
			status = "revoked"
		}
		fmt.Printf("%-32s %-12s %-8s %-20s %s\n",
			license.MaskKey(rec.Key),
			rec.Tier,
			status,
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Note,
		)
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	if err := service.RevokeKey(cmd.Context(), args[0]); err != nil {
		return err
	}

	normalized, _ := license.NormalizeKey(args[0])
	fmt.Printf("Revoked %s\n", license.MaskKey(normalized))
	fmt.Println("The holder loses entitlement on its next verification pass.")
	return nil
}

func runBindingsList(cmd *cobra.Command, args []string) error {
	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	bindings, err := service.Bindings(cmd.Context())
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		fmt.Println("No active bindings")
		return nil
	}

	fmt.Printf("%-32s %-38s %-24s %-20s %s\n", "KEY", "INSTALLATION", "DEVICE", "BOUND AT", "LAST SEEN")
	for _, b := range bindings {
		fmt.Printf("%-32s %-38s %-24s %-20s %s\n",
			license.MaskKey(b.LicenseKey),
			b.InstallationID,
			b.DeviceHint,
			b.BoundAt.Format("2006-01-02 15:04:05"),
			b.LastSeenAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func runEventsList(cmd *cobra.Command, args []string) error {
	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	events, err := service.Events(cmd.Context(), eventsLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded")
		return nil
	}

	fmt.Printf("%-20s %-10s %-32s %-38s %s\n", "TIME", "EVENT", "KEY", "INSTALLATION", "CLIENT")
	for _, ev := range events {
		fmt.Printf("%-20s %-10s %-32s %-38s %s\n",
			ev.OccurredAt.Format("2006-01-02 15:04:05"),
			ev.Event,
			license.MaskKey(ev.LicenseKey),
			ev.InstallationID,
			ev.ClientIP,
		)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := openLedger(); err != nil {
		return err
	}
	defer store.Close()

	path := exportOut
	if path == "" {
		name := fmt.Sprintf("activations-%s.xlsx", time.Now().Format("2006-01-02"))
		if cfg != nil && cfg.Ledger.ExportDir != "" {
			path = filepath.Join(cfg.Ledger.ExportDir, name)
		} else {
			path = name
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	summary, err := ledger.ExportWorkbook(cmd.Context(), store, path)
	if err != nil {
		return err
	}

	fmt.Printf("Exported %d keys, %d bindings, %d events to %s\n",
		summary.Keys, summary.Bindings, summary.Events, summary.Path)
	return nil
}
