package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/app"
	"github.com/guided-traffic/agency-interchange/internal/codec"
	"github.com/guided-traffic/agency-interchange/internal/config"
	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/server/handlers/health"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "agency-interchange",
		Short: "Agency Interchange exchanges encrypted batch files with external agencies",
		Long: `Agency Interchange encrypts outbound agency batch files through the crypto
provider, delivers them to object storage and the agency SFTP servers, and
decrypts and ingests the replies the agencies send back.

Tokens arrive asynchronously on the callback endpoint; each pending operation
resumes when its token is delivered.

All configuration is done through YAML configuration files and AIX_* environment
variables. Use --config to specify a configuration file.`,
		RunE: runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the callback server and the orchestrator",
		RunE:  runServe,
	}

	encodeCmd = &cobra.Command{
		Use:   "encode",
		Short: "Render JSON records as an agency request file",
		RunE:  runEncode,
	}

	decodeCmd = &cobra.Command{
		Use:   "decode",
		Short: "Decode an agency reply, report or exceptions file to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agency-interchange %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")

	encodeCmd.Flags().String("kind", "", "agency kind: LTA, MHA, TOPPAN or TOPPAN_<stage>")
	encodeCmd.Flags().String("input", "", "JSON file holding an array of records")
	encodeCmd.Flags().String("output-dir", ".", "directory the request file is written to")
	_ = encodeCmd.MarkFlagRequired("kind")
	_ = encodeCmd.MarkFlagRequired("input")

	decodeCmd.Flags().String("kind", "", "agency kind: LTA, MHA, TOPPAN or TOPPAN_<stage>")
	decodeCmd.Flags().String("as", "response", "file type: response, report or exceptions")
	_ = decodeCmd.MarkFlagRequired("kind")

	rootCmd.AddCommand(serveCmd, encodeCmd, decodeCmd, versionCmd)
}

func initConfig() {
	config.InitConfig(cfgFile)
}

func runServe(_ *cobra.Command, _ []string) error {
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("Agency Interchange build information")
	monitoring.SetServerInfo(version, commit, buildTime)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := app.ConfigureLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, health.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})
	if err != nil {
		return err
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	logrus.Info("Agency Interchange stopped")
	return nil
}

func runEncode(cmd *cobra.Command, _ []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	input, _ := cmd.Flags().GetString("input")
	outDir, _ := cmd.Flags().GetString("output-dir")

	kind, err := codec.ParseKind(kindFlag)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(input) // #nosec G304 - operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	var records []codec.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("failed to parse records: %w", err)
	}

	registry := codec.DefaultRegistry()
	now := time.Now()
	data, err := registry.EncodeRequest(kind, records, now)
	if err != nil {
		return err
	}
	name, err := registry.FilenameFor(kind, now)
	if err != nil {
		return err
	}

	out := filepath.Join(outDir, name)
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%d records)\n", out, len(records))
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	as, _ := cmd.Flags().GetString("as")

	kind, err := codec.ParseKind(kindFlag)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0]) // #nosec G304 - operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	registry := codec.DefaultRegistry()
	var result any
	switch as {
	case "response":
		result, err = registry.DecodeResponse(kind, data)
	case "report":
		result, err = registry.DecodeReport(kind, data)
	case "exceptions":
		result, err = registry.DecodeExceptions(kind, data)
	default:
		return fmt.Errorf("unknown file type %q", as)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
