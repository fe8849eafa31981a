package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/remote"
	"github.com/marlowe/crmsync/internal/trust"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login state, store health, and recent sync activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := config.LoadAuth()
		if err != nil {
			return err
		}
		if creds == nil || creds.APIKey == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		keyPrefix := creds.APIKey
		if len(keyPrefix) > 12 {
			keyPrefix = keyPrefix[:12] + "..."
		}
		fmt.Printf("User:   %s\n", creds.UserID)
		fmt.Printf("Tenant: %s\n", creds.TenantID)
		fmt.Printf("Store:  %s\n", creds.StoreURL)
		fmt.Printf("Key:    %s\n", keyPrefix)

		db, err := openLocalDB()
		if err != nil {
			return err
		}
		defer db.Close()

		deviceID, err := db.DeviceIdentity(trust.Fingerprint())
		if err != nil {
			return err
		}
		fmt.Printf("Device: %s\n", deviceID)

		client := remote.NewClient(creds.StoreURL, creds.APIKey, deviceID)
		if _, err := client.HealthCheck(cmd.Context()); err != nil {
			fmt.Printf("Server: unreachable (%v)\n", err)
		} else {
			fmt.Println("Server: ok")
		}

		events, err := db.SyncEventTail(creds.UserID, statusLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("\nNo sync activity recorded.")
			return nil
		}

		fmt.Printf("\nLast %d sync event(s):\n", len(events))
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %-18s", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type)
			if ev.Trigger != "" {
				line += fmt.Sprintf(" trigger=%s", ev.Trigger)
			}
			if !ev.Success {
				line += " FAILED"
				if ev.ErrorMessage != "" {
					line += ": " + ev.ErrorMessage
				}
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent sync events to show")
	rootCmd.AddCommand(statusCmd)
}
