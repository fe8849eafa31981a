package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/models"
	"github.com/marlowe/crmsync/internal/remote"
	"github.com/marlowe/crmsync/internal/trust"
)

var (
	loginStore  string
	loginTenant string
	loginUser   string
	loginAPIKey string
	loginMFA    bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the settings store and register this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLocalDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fingerprint := trust.Fingerprint()
		deviceID, err := db.DeviceIdentity(fingerprint)
		if err != nil {
			return fmt.Errorf("device identity: %w", err)
		}

		client := remote.NewClient(loginStore, loginAPIKey, deviceID)
		if _, err := client.HealthCheck(cmd.Context()); err != nil {
			return fmt.Errorf("store unreachable at %s: %w", loginStore, err)
		}

		rec, err := client.RegisterDevice(cmd.Context(), &remote.DeviceRegistration{
			DeviceID:    deviceID,
			UserID:      loginUser,
			TenantID:    loginTenant,
			Fingerprint: fingerprint,
			DeviceType:  "cli",
			MFAVerified: loginMFA,
		})
		if err != nil {
			return fmt.Errorf("register device: %w", err)
		}

		if err := config.SaveAuth(&config.AuthCredentials{
			APIKey:      loginAPIKey,
			UserID:      loginUser,
			TenantID:    loginTenant,
			StoreURL:    loginStore,
			MFAVerified: loginMFA,
		}); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		fmt.Printf("Logged in as %s (tenant %s)\n", loginUser, loginTenant)
		fmt.Printf("Device %s registered at trust level %s\n", deviceID, rec.TrustLevel)
		if rec.TrustLevel == models.TrustUntrusted {
			fmt.Println("Note: settings will not sync until this device is verified.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and discard saved credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := config.LoadAuth()
		if err != nil {
			return err
		}
		if creds == nil {
			fmt.Println("Not logged in.")
			return nil
		}

		// Push any unsynced local edits before dropping the session.
		if s, err := openSession(cmd.Context(), config.LoadParams()); err == nil {
			s.Close(cmd.Context())
		}

		if err := config.ClearAuth(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginStore, "store", config.StoreURL(), "store server URL")
	loginCmd.Flags().StringVar(&loginTenant, "tenant", "", "tenant id")
	loginCmd.Flags().StringVar(&loginUser, "user", "", "user id")
	loginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "API key for the store server")
	loginCmd.Flags().BoolVar(&loginMFA, "mfa", false, "mark this session as MFA-verified")
	loginCmd.MarkFlagRequired("tenant")
	loginCmd.MarkFlagRequired("user")
	loginCmd.MarkFlagRequired("api-key")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
