package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"attachd/pkg/ams"
	"attachd/pkg/amsclient"
	"attachd/pkg/telemetry"
	"attachd/services/transfers"
)

type env struct {
	GatewayURL   string `env:"AMS_GATEWAY_URL"`
	SessionToken string `env:"AMS_SESSION_TOKEN"`
}

type globalFlags struct {
	gateway        string
	session        string
	maxConcurrency int
	timeout        time.Duration
	verbose        bool
}

func main() {
	_ = godotenv.Load()

	var defaults env
	if err := envconfig.Process(context.Background(), &defaults); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand(defaults).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(defaults env) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "attachctl",
		Short:         "Upload and download AMS attachments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.gateway, "gateway", defaults.GatewayURL, "Base URL of ams-gw (env AMS_GATEWAY_URL)")
	pf.StringVar(&flags.session, "session", defaults.SessionToken, "Session token for uploads (env AMS_SESSION_TOKEN)")
	pf.IntVar(&flags.maxConcurrency, "max-concurrency", 0, "Maximum files in flight; 0 means unbounded")
	pf.DurationVar(&flags.timeout, "timeout", amsclient.DefaultTimeout, "Per-request timeout")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log scenario outcomes")

	cmd.AddCommand(newUploadCommand(flags))
	cmd.AddCommand(newDownloadCommand(flags))
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func newManager(flags *globalFlags, logger zerolog.Logger) (*ams.Manager, error) {
	if flags.gateway == "" {
		return nil, fmt.Errorf("--gateway or AMS_GATEWAY_URL is required")
	}
	client, err := amsclient.New(flags.gateway, amsclient.WithTimeout(flags.timeout))
	if err != nil {
		return nil, err
	}
	return ams.NewManager(client,
		ams.WithSessionToken(flags.session),
		ams.WithScenarioLogger(telemetry.NewScenarioLogger(logger, prometheus.NewRegistry())),
		ams.WithMaxConcurrency(flags.maxConcurrency),
	)
}

func newUploadCommand(flags *globalFlags) *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "upload FILE_OR_URL...",
		Short: "Upload files and print the resulting property bag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.session == "" {
				return fmt.Errorf("--session or AMS_SESSION_TOKEN is required")
			}
			logger := newLogger(flags.verbose)
			manager, err := newManager(flags, logger)
			if err != nil {
				return err
			}
			res, err := transfers.Upload(cmd.Context(), transfers.UploadConfig{
				Manager:     manager,
				Sources:     args,
				ContentType: contentType,
				Stdout:      cmd.OutOrStdout(),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			if res.Dropped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d files could not be uploaded\n", res.Dropped, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type for every file; sniffed when empty")
	return cmd
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	var (
		bagPath string
		outDir  string
		archive string
		sign    bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the files referenced by a property bag",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger(flags.verbose)

			bag, err := readBag(cmd.InOrStdin(), bagPath)
			if err != nil {
				return err
			}

			var signer *transfers.Signer
			if sign {
				keys, err := transfers.KeysFromEnv(ctx)
				if err != nil {
					return err
				}
				if signer, err = transfers.NewSigner(keys); err != nil {
					return err
				}
			}

			manager, err := newManager(flags, logger)
			if err != nil {
				return err
			}
			_, err = transfers.Download(ctx, transfers.DownloadConfig{
				Manager: manager,
				Bag:     bag,
				OutDir:  outDir,
				Archive: archive,
				Signer:  signer,
				Stdout:  cmd.OutOrStdout(),
				Logger:  logger,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bagPath, "bag", "-", "Property bag JSON file, or - for stdin")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory to write downloaded files into")
	cmd.Flags().StringVar(&archive, "archive", "", "Optional tar.zst archive of the files and manifest")
	cmd.Flags().BoolVar(&sign, "sign", false, "Sign the manifest with AGE_SECRET_KEY")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		archive          string
		requireSignature bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a download archive against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := transfers.KeysFromEnv(ctx)
			if err != nil {
				return err
			}
			var signer *transfers.Signer
			if keys.SecretKey != "" || keys.PublicKey != "" {
				if signer, err = transfers.NewSigner(keys); err != nil {
					return err
				}
			}
			_, err = transfers.Verify(ctx, transfers.VerifyConfig{
				Archive:          archive,
				Signer:           signer,
				RequireSignature: requireSignature,
				Stdout:           cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Archive produced by download --archive")
	cmd.Flags().BoolVar(&requireSignature, "require-signature", false, "Fail unless the manifest signature verifies")
	_ = cmd.MarkFlagRequired("archive")
	return cmd
}

func readBag(stdin io.Reader, path string) (ams.Properties, error) {
	if path == "" || path == "-" {
		return transfers.ReadBag(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bag: %w", err)
	}
	defer f.Close()
	return transfers.ReadBag(f)
}
