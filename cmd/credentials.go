package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/models"
)

var credLayer string

func credentialLayer() (models.CredentialLayer, error) {
	layer := models.CredentialLayer(credLayer)
	for _, l := range models.Layers {
		if l == layer && l != models.LayerBuiltin {
			return layer, nil
		}
	}
	return "", fmt.Errorf("invalid layer %q (user_override, tenant_shared, system_default)", credLayer)
}

var credCmd = &cobra.Command{
	Use:     "cred",
	Aliases: []string{"credentials"},
	Short:   "Manage layered credentials",
	Long: `Credentials resolve through layers: user override, tenant shared,
system default, then the builtin fallback. Setting an empty value records
an explicit blank at that layer, which resolves to "" instead of falling
through to the layer below.`,
}

var credGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Resolve a credential through the layer hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		value, layer, err := s.eng.Credential(cmd.Context(), s.creds.UserID, args[0])
		if err != nil {
			return err
		}
		if value == "" {
			fmt.Printf("(explicit blank, from %s)\n", layer)
			return nil
		}
		fmt.Printf("%s  (from %s)\n", value, layer)
		return nil
	},
}

var credSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Store a credential at one layer, locally and on the server",
	Long:  "An empty value records an explicit blank rather than removing the record.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		layer, err := credentialLayer()
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		name, value := args[0], args[1]
		if err := s.client.SetCredential(cmd.Context(), s.creds.TenantID, s.creds.UserID, layer, name, value); err != nil {
			return fmt.Errorf("store credential on server: %w", err)
		}
		// Seal a local copy so resolution works offline.
		if err := s.eng.SetCredential(s.creds.UserID, layer, name, value); err != nil {
			return fmt.Errorf("seal credential locally: %w", err)
		}

		if value == "" {
			fmt.Printf("Recorded explicit blank for %s at %s.\n", name, layer)
		} else {
			fmt.Printf("Stored %s at %s.\n", name, layer)
		}
		return nil
	},
}

var credRemoveCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a credential record at one layer so resolution falls through",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layer, err := credentialLayer()
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		name := args[0]
		if err := s.client.DeleteCredential(cmd.Context(), s.creds.TenantID, s.creds.UserID, layer, name); err != nil {
			return fmt.Errorf("remove credential on server: %w", err)
		}
		if err := s.eng.RemoveCredential(s.creds.UserID, layer, name); err != nil {
			return fmt.Errorf("remove sealed copy: %w", err)
		}
		fmt.Printf("Removed %s at %s; lower layers now apply.\n", name, layer)
		return nil
	},
}

func init() {
	credCmd.PersistentFlags().StringVar(&credLayer, "layer", "user_override", "credential layer")

	credCmd.AddCommand(credGetCmd)
	credCmd.AddCommand(credSetCmd)
	credCmd.AddCommand(credRemoveCmd)
	rootCmd.AddCommand(credCmd)
}
