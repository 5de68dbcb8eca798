package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gsrlab/uploadrelay/internal/ledger"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cloud connectivity and recent uploads",
		Long: `Display the relay's cloud connection state and upload history.

Probes the configured provider with the stored credential, then lists the
most recent uploads and any files still queued for cloud retry.`,
		RunE: runStatus,
	}
}

// recentUploadsShown bounds the history listing.
const recentUploadsShown = 10

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Provider  string         `json:"provider"`
	Connected bool           `json:"connected"`
	Principal string         `json:"principal,omitempty"`
	Error     string         `json:"error,omitempty"`
	Pending   int            `json:"pending"`
	Recent    []statusUpload `json:"recent_uploads"`
}

type statusUpload struct {
	VolunteerID string `json:"volunteer_id"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	Location    string `json:"location"`
	CreatedAt   string `json:"created_at"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg
	ctx := context.Background()

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	out := statusOutput{Provider: provider.Name()}

	if provider.HasCredentials() {
		principal, probeErr := provider.Principal(ctx)
		if probeErr != nil {
			out.Error = probeErr.Error()
		} else {
			out.Connected = true
			out.Principal = principal
		}
	}

	ldg, err := ledger.Open(cfg.Storage.LedgerPath, logger)
	if err != nil {
		return err
	}
	defer ldg.Close()

	pending, err := ldg.ListPending(ctx)
	if err != nil {
		return err
	}

	out.Pending = len(pending)

	uploads, err := ldg.RecentUploads(ctx, recentUploadsShown)
	if err != nil {
		return err
	}

	for _, u := range uploads {
		out.Recent = append(out.Recent, statusUpload{
			VolunteerID: u.VolunteerID,
			Filename:    u.Filename,
			SizeBytes:   u.SizeBytes,
			Location:    u.Location,
			CreatedAt:   u.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatus(out)

	return nil
}

func printStatus(out statusOutput) {
	fmt.Printf("Provider:  %s\n", out.Provider)

	switch {
	case out.Connected:
		fmt.Printf("Cloud:     connected as %s\n", out.Principal)
	case out.Error != "":
		fmt.Printf("Cloud:     not reachable (%s)\n", out.Error)
	default:
		fmt.Println("Cloud:     not connected (no stored credentials, run 'uploadrelay login')")
	}

	fmt.Printf("Pending:   %d file(s) queued for cloud retry\n", out.Pending)

	if len(out.Recent) == 0 {
		fmt.Println("\nNo uploads recorded yet.")
		return
	}

	fmt.Println("\nRecent uploads:")

	for _, u := range out.Recent {
		fmt.Printf("  %s  V%-4s %-30s %8d bytes  %s\n",
			u.CreatedAt, u.VolunteerID, u.Filename, u.SizeBytes, u.Location)
	}
}
