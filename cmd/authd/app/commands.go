// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authd command-line application.
package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/config"
	"github.com/prismxr/authd/pkg/server"
	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/store/sqlite"
	"github.com/prismxr/authd/pkg/tokens"
	"github.com/prismxr/authd/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "authd",
	DisableAutoGenTag: true,
	Short:             "authd is the authentication and session service",
	Long: `authd issues and manages user sessions: OAuth 2.0 authorization-code
login with PKCE, passwordless magic-code login, browser-to-device handoff,
and refresh-token rotation with reuse detection. Access tokens are RS256
JWTs verifiable against the published JWK set.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			slog.Error("displaying help failed", "error", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initLogging()
	},
}

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("binding debug flag failed", "error", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("binding config flag failed", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.SilenceUsage = true

	return rootCmd
}

func initLogging() {
	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication service",
		Long: `Start the HTTP service. The configuration file specified by --config
names the listen address, database path, signing key, and the upstream
identity broker.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	st, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("closing database failed", "error", err)
		}
	}()

	key, err := tokens.LoadRSAPrivateKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	var retired []*rsa.PublicKey
	for _, path := range cfg.RetiredKeyPaths {
		rk, err := tokens.LoadRSAPrivateKey(path)
		if err != nil {
			return fmt.Errorf("loading retired key %s: %w", path, err)
		}
		retired = append(retired, &rk.PublicKey)
	}

	signer, err := tokens.NewSigner(key, cfg.Issuer, cfg.Audience, cfg.AccessTokenTTL, retired...)
	if err != nil {
		return fmt.Errorf("building token signer: %w", err)
	}
	states, err := tokens.NewStateSigner([]byte(cfg.StateSecret), cfg.StateTTL)
	if err != nil {
		return fmt.Errorf("building state signer: %w", err)
	}
	minter, err := tokens.NewRefreshMinter([]byte(cfg.RefreshSecret), []byte(cfg.RefreshHashSecret))
	if err != nil {
		return fmt.Errorf("building refresh minter: %w", err)
	}

	idp, err := newBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building identity broker: %w", err)
	}

	mgr := sessions.NewManager(st, signer, minter, cfg.RefreshTokenTTL)
	srv := server.New(cfg, st, mgr, signer, states, idp)

	slog.Info("starting authd", "issuer", cfg.Issuer, "addr", cfg.ListenAddr, "broker", cfg.Broker.Mode)
	return srv.Run(ctx)
}

func newBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Mode {
	case "hosted":
		return broker.NewHosted(broker.HostedConfig{
			BaseURL:       cfg.Broker.BaseURL,
			APIKey:        cfg.Broker.APIKey,
			ClientID:      cfg.Broker.ClientID,
			WebhookSecret: cfg.Broker.WebhookSecret,
		})
	case "oidc":
		return broker.NewOIDC(ctx, broker.OIDCConfig{
			Issuer:        cfg.Broker.Issuer,
			ClientID:      cfg.Broker.ClientID,
			ClientSecret:  cfg.Broker.ClientSecret,
			RedirectURI:   cfg.Issuer + "/oauth/callback",
			WebhookSecret: cfg.Broker.WebhookSecret,
		})
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			v := versions.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "authd %s (commit %s, built %s, %s, %s)\n",
				v.Version, v.Commit, v.BuildDate, v.GoVersion, v.Platform)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var (
		out  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RS256 signing key",
		Long: `Generate an RSA private key for signing access tokens and write it
to a PEM file. Point signing_key_path at the file; rotated-out keys go in
retired_key_paths so outstanding tokens stay verifiable.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if bits < tokens.MinRSAKeyBits {
				return fmt.Errorf("key size %d is below the %d-bit minimum", bits, tokens.MinRSAKeyBits)
			}
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			der, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return fmt.Errorf("encoding key: %w", err)
			}
			block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
			if err := os.WriteFile(out, pem.EncodeToMemory(block), 0o600); err != nil {
				return fmt.Errorf("writing key file: %w", err)
			}
			kid, err := tokens.DeriveKeyID(&key.PublicKey)
			if err != nil {
				return fmt.Errorf("deriving key id: %w", err)
			}
			slog.Info("wrote signing key", "path", out, "bits", bits, "kid", kid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "signing-key.pem", "Output PEM file path")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size in bits")
	return cmd
}
