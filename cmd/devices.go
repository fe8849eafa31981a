package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marlowe/crmsync/internal/models"
	"github.com/marlowe/crmsync/internal/remote"
	"github.com/marlowe/crmsync/internal/trust"
)

// storeClient builds an authenticated client for device administration.
func storeClient(requireDevice bool) (*remote.Client, string, string, error) {
	creds, err := requireAuth()
	if err != nil {
		return nil, "", "", err
	}

	deviceID := ""
	if requireDevice {
		db, err := openLocalDB()
		if err != nil {
			return nil, "", "", err
		}
		deviceID, err = db.DeviceIdentity(trust.Fingerprint())
		db.Close()
		if err != nil {
			return nil, "", "", err
		}
	}
	return remote.NewClient(creds.StoreURL, creds.APIKey, deviceID), creds.UserID, deviceID, nil
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage this user's registered devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices and their trust levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, userID, deviceID, err := storeClient(true)
		if err != nil {
			return err
		}

		recs, err := client.ListDevices(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println("No devices registered.")
			return nil
		}

		for _, rec := range recs {
			marker := " "
			if rec.DeviceID == deviceID {
				marker = "*"
			}
			fmt.Printf("%s %-26s %-10s %-9s last seen %s\n",
				marker, rec.DeviceID, rec.DeviceType, rec.TrustLevel,
				rec.LastSeen.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var verifyLevel string

var devicesVerifyCmd = &cobra.Command{
	Use:   "verify <device-id>",
	Short: "Raise a device's trust level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to := models.TrustLevel(verifyLevel)
		if !to.Valid() {
			return fmt.Errorf("invalid trust level %q (untrusted, basic, trusted, verified)", verifyLevel)
		}

		client, userID, _, err := storeClient(false)
		if err != nil {
			return err
		}
		if err := client.VerifyDevice(cmd.Context(), userID, args[0], to); err != nil {
			return fmt.Errorf("verify device: %w", err)
		}
		fmt.Printf("Device %s is now %s.\n", args[0], to)
		return nil
	},
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device, dropping it to untrusted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, userID, _, err := storeClient(false)
		if err != nil {
			return err
		}
		if err := client.RevokeDevice(cmd.Context(), userID, args[0]); err != nil {
			return fmt.Errorf("revoke device: %w", err)
		}
		fmt.Printf("Device %s revoked.\n", args[0])
		return nil
	},
	Args: cobra.ExactArgs(1),
}

func init() {
	devicesVerifyCmd.Flags().StringVar(&verifyLevel, "level", "trusted", "target trust level")

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesVerifyCmd)
	devicesCmd.AddCommand(devicesRevokeCmd)
	rootCmd.AddCommand(devicesCmd)
}
