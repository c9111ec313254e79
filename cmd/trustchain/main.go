// trustchain is a thin Cobra shell over the core engine, mirroring the
// teacher's daemon-client CLI pattern: every subcommand loads configuration
// through Viper, dials the backend named by TRUSTCHAIN_API_ADDR, and opens
// the local key safe and block store rooted at the configured storage path.
//
// Environment
// -----------
// TRUSTCHAIN_ENV       – selects an overlay config file merged over default.yaml
// TRUSTCHAIN_API_ADDR  – host:port of the trustchain backend daemon
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustchain/core"
	"trustchain/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "trustchain",
		Short: "End-to-end encryption trust chain engine shell",
	}

	root.PersistentFlags().String("config-env", "", "overlay config name merged over default.yaml")
	root.PersistentFlags().String("data-dir", "", "override storage.db_path")

	root.AddCommand(genesisCmd())
	root.AddCommand(bootstrapCmd())
	root.AddCommand(deviceCmd())
	root.AddCommand(groupCmd())
	root.AddCommand(encryptCmd())
	root.AddCommand(decryptCmd())
	root.AddCommand(shareCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(claimProvisionalCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("config-env")
	if env == "" {
		env = os.Getenv("TRUSTCHAIN_ENV")
	}
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DBPath = dir
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	core.SetLogger(logger)
	return cfg, nil
}

// backendAddr resolves the trustchain daemon address, matching the other
// daemon-client commands' TRUSTCHAIN_API_ADDR / default-port convention.
func backendAddr() string {
	addr := viper.GetString("TRUSTCHAIN_API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:7420"
	}
	return addr
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
