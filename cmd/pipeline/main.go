// Command pipeline runs ETL pipelines from the command line or serves the
// HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go-etl-engine/internal/agent"
	"go-etl-engine/internal/app"
	"go-etl-engine/internal/config"
	"go-etl-engine/internal/logging"
	"go-etl-engine/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Tier-gated ETL engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML or TOML)")

	rootCmd.AddCommand(newRunCmd(), newRetryCmd(), newServeCmd(), newTiersCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline spec and print the result as JSON",
		Example: `  pipeline run --spec spec.yaml --caller acme --tier basic
  cat spec.json | pipeline run --spec - --caller acme --tier free`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			specPath, _ := cmd.Flags().GetString("spec")
			callerID, _ := cmd.Flags().GetString("caller")
			tier, _ := cmd.Flags().GetString("tier")

			spec, err := readSpec(cmd.InOrStdin(), specPath)
			if err != nil {
				return err
			}

			log := logging.Setup(cfg.Logging)
			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := a.Engine.Submit(ctx, spec, model.Caller{ID: callerID, Tier: tier})
			return printResult(cmd.OutOrStdout(), result, runErr)
		},
	}
	cmd.Flags().StringP("spec", "s", "", "Pipeline spec file (YAML or JSON), - for stdin")
	cmd.Flags().String("caller", "cli", "Caller id")
	cmd.Flags().StringP("tier", "t", "free", "Caller tier")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry RUN_ID",
		Short: "Run the stored spec of a previous run again",
		Long:  "Run the stored spec of a previous run again. The original caller and tier are used unless --caller is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			callerID, _ := cmd.Flags().GetString("caller")
			tier, _ := cmd.Flags().GetString("tier")

			log := logging.Setup(cfg.Logging)
			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := a.Engine.Resubmit(ctx, args[0], model.Caller{ID: callerID, Tier: tier})
			if result == nil {
				return runErr
			}
			return printResult(cmd.OutOrStdout(), result, runErr)
		},
	}
	cmd.Flags().String("caller", "", "Caller id, defaults to the caller of the original run")
	cmd.Flags().StringP("tier", "t", "", "Caller tier, defaults to the tier of the original run")
	return cmd
}

func printResult(w io.Writer, result *model.Result, runErr error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
	}
	return nil
}

// readSpec decodes a YAML or JSON spec. YAML is normalized through JSON so
// both formats go through the same strict decoder.
func readSpec(stdin io.Reader, path string) (model.PipelineSpec, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		// #nosec G304 -- spec path is given by the operator
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.PipelineSpec{}, fmt.Errorf("failed to read spec: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.PipelineSpec{}, fmt.Errorf("failed to parse spec: %w", err)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return model.PipelineSpec{}, fmt.Errorf("failed to normalize spec: %w", err)
	}
	return agent.DecodeSpec(payload)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Address = addr
			}
			return serve(cmd.Context(), cfg, path)
		},
	}
	cmd.Flags().StringP("addr", "a", "", "Listen address, overrides the configuration")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	log := logging.Setup(cfg.Logging)
	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx, configPath)
}

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Print the configured tier policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			policies := cfg.Policies()
			out := make([]model.TierPolicy, 0, len(policies))
			for _, name := range policies.Names() {
				p := policies[name]
				p.Features = append([]string(nil), p.Features...)
				sort.Strings(p.Features)
				out = append(out, p)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
}
