package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultOperatorTokenTTL = 12 * time.Hour

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "glimmer",
		Short: "Glimmer live show backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the show backend HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.Float64("speed-multiplier", defaults.GetFloat64("clock.speed_multiplier"), "Show clock speed multiplier")
	flags.Int64("anchor-ms", defaults.GetInt64("clock.anchor_ms"), "Explicit show anchor in Unix milliseconds")
	flags.Int("shard-count", defaults.GetInt("trivia.shard_count"), "Number of trivia vote shards")
	flags.String("shard-transport", defaults.GetString("trivia.transport"), "Vote shard transport (local, nats)")
	flags.Bool("host-shards", defaults.GetBool("trivia.host_shards"), "Own the vote shards and coordinator on the nats transport")
	flags.String("nats-url", defaults.GetString("nats.url"), "NATS server URL")
	flags.String("signing-secret", "", "Operator session signing secret (overrides env)")
	flags.String("admin-wallets", defaults.GetString("auth.admin_wallets"), "Comma separated operator wallets")
	flags.String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "clock.speed_multiplier", "speed-multiplier")
	bindFlag(cmd, "clock.anchor_ms", "anchor-ms")
	bindFlag(cmd, "trivia.shard_count", "shard-count")
	bindFlag(cmd, "trivia.transport", "shard-transport")
	bindFlag(cmd, "trivia.host_shards", "host-shards")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_wallets", "admin-wallets")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		wallet string
		ttl    time.Duration
		roles  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.OperatorAuthEnabled() {
				return errors.New("auth.signing_secret is required to mint tokens")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(wallet, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "Operator wallet address")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultOperatorTokenTTL, "Token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "Roles carried by the token")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}
