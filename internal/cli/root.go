// Package cli wires flags, environment, and config files into a runner
// invocation and maps outcomes to exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conformium/hydrophone/internal/client"
	"github.com/conformium/hydrophone/internal/config"
	"github.com/conformium/hydrophone/internal/conformance"
	"github.com/conformium/hydrophone/internal/logging"
	"github.com/conformium/hydrophone/internal/report"
	"github.com/conformium/hydrophone/pkg/common/otel"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Exit codes: 0 all tests passed, 1 tests failed, 2 the run itself broke.
const (
	exitOK         = 0
	exitTestsFail  = 1
	exitRunnerFail = 2
)

var (
	flagCleanup    bool
	flagListImages bool
)

var rootCmd = &cobra.Command{
	Use:           "hydrophone",
	Short:         "Run Kubernetes conformance tests against a cluster",
	Long:          "hydrophone runs the Kubernetes conformance suite in a pod on the target cluster,\nstreams the e2e log, and writes an HTML conformance report.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()

	// Accept underscore spellings from older CI job definitions.
	f.SetNormalizeFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	f.String("kubeconfig", "", "path to the kubeconfig file (defaults to $KUBECONFIG, then ~/.kube/config)")
	f.StringP("output-dir", "o", ".", "directory for artifacts (e2e.log, junit_01.xml, the report)")
	f.String("output", "", "conformance report path (default <output-dir>/"+config.DefaultReportFile+")")
	f.BoolP("quiet", "q", false, "suppress e2e output on the console; artifacts are still written")

	f.String("focus", config.DefaultFocus, "ginkgo focus regex")
	f.String("skip", "", "ginkgo skip regex")
	f.String("conformance-image", "", "conformance image (default derived from the server version)")
	f.String("busybox-image", config.DefaultBusyboxImage, "image for the output sidecar")
	f.String("namespace", config.DefaultNamespace, "namespace to run the suite in")
	f.Int("parallel", config.DefaultParallel, "number of parallel ginkgo nodes")
	f.Int("verbosity", config.DefaultVerbosity, "e2e suite verbosity (0-10)")
	f.String("test-repo", "", "registry override for all test images")
	f.String("test-repo-list", "", "YAML file mapping registry keys to mirrors")
	f.StringSlice("extra-args", nil, "extra arguments for the e2e suite")
	f.StringSlice("extra-ginkgo-args", nil, "extra arguments for ginkgo")
	f.Duration("startup-timeout", config.DefaultStartupTimeout, "how long to wait for the conformance pod to start")
	f.Bool("dry-run", false, "print the conformance pod manifest and exit")
	f.Bool("skip-cleanup", false, "leave the namespace and RBAC in place after the run")

	f.BoolVar(&flagCleanup, "cleanup", false, "remove fixtures left by a previous run and exit")
	f.BoolVar(&flagListImages, "list-images", false, "list the images the suite would use and exit")

	rootCmd.MarkFlagsMutuallyExclusive("cleanup", "list-images", "dry-run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the hydrophone version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hydrophone %s\n", Version)
		},
	})
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, conformance.ErrTestsFailed):
		// The verdict was already printed; the exit code carries the rest.
		return exitTestsFail
	default:
		slog.Error("run failed", "error", err)
		return exitRunnerFail
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	logging.Setup(settings.Quiet)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	teardown, err := otel.InitTelemetry(slog.Default(), otel.Config{
		ServiceName:      "hydrophone",
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ResourceAttributes: map[string]string{
			"hydrophone.version": Version,
		},
	})
	if err != nil {
		return err
	}
	defer teardown(context.Background())

	cs, restCfg, err := client.New(settings.Kubeconfig)
	if err != nil {
		return err
	}

	runner := conformance.NewRunner(cs, restCfg, settings, slog.Default())

	switch {
	case flagCleanup:
		return runner.Cleanup(ctx)
	case flagListImages:
		return runner.ListImages(ctx)
	}

	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if result.Summary == nil {
		// Dry run produces no verdict.
		return nil
	}

	if settings.Quiet {
		report.PrintVerdict(os.Stdout, result.Summary)
	} else {
		if err := report.PrintSummary(os.Stdout, result.Summary); err != nil {
			return err
		}
	}

	if !result.Summary.Success() {
		return fmt.Errorf("%w: %d of %d", conformance.ErrTestsFailed,
			result.Summary.Failed, result.Summary.Total)
	}
	return nil
}

// loadSettings resolves configuration with flag > env > config file >
// default precedence.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	if err := v.BindEnv("kubeconfig", "KUBECONFIG"); err != nil {
		return nil, fmt.Errorf("binding KUBECONFIG: %w", err)
	}

	v.SetConfigName("hydrophone")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.hydrophone")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return config.FromViper(v)
}
