package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gsrlab/uploadrelay/internal/config"
	"github.com/gsrlab/uploadrelay/internal/credentials"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with OneDrive using device code flow",
		RunE:  runLogin,
	}
}

func runLogin(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	if cfg.Cloud.Provider != config.ProviderOneDrive {
		return fmt.Errorf("login is only needed for the onedrive provider; gdrive reads %s", cfg.Cloud.GoogleCredentials)
	}

	err := credentials.Login(context.Background(), cfg.Storage.TokenPath, func(da credentials.DeviceAuth) {
		// Device code prompts must always be visible — not suppressed by --quiet.
		fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
		fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
	}, logger)
	if err != nil {
		return err
	}

	statusf("Login successful. Tokens saved to %s\n", cfg.Storage.TokenPath)

	return nil
}
