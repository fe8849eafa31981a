package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/models"
)

var (
	syncManual bool
	syncTake   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the store",
	Long: `Run one full fetch-and-reconcile cycle.

Conflicts resolve last-write-wins by default. With --manual, conflicts are
listed instead; pass --take local or --take remote to pick a winner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncTake != "" && syncTake != "local" && syncTake != "remote" {
			return fmt.Errorf("--take must be 'local' or 'remote', got %q", syncTake)
		}

		params := config.LoadParams()
		if syncManual {
			params.AutoResolve = false
		}

		s, err := openSession(cmd.Context(), params)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		// Login already ran the first cycle; run one more so a push that
		// failed on a previous invocation gets retried now.
		if err := s.eng.Sync(cmd.Context(), s.creds.UserID, models.TriggerManual); err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		pending := s.eng.PendingConflicts(s.creds.UserID)
		if len(pending) > 0 && syncTake != "" {
			choice := models.TakeLocal
			if syncTake == "remote" {
				choice = models.TakeRemote
			}
			for range pending {
				if err := s.eng.ResolvePending(cmd.Context(), s.creds.UserID, choice, nil); err != nil {
					return fmt.Errorf("resolve conflict: %w", err)
				}
			}
			fmt.Printf("Resolved %d conflict(s) taking the %s version.\n", len(pending), syncTake)
			pending = nil
		}

		for _, c := range pending {
			fmt.Printf("Conflict on %v: local %s vs remote %s (from %s)\n",
				c.DifferingGroups,
				c.Local.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.Remote.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.SourceDeviceID)
		}
		if len(pending) > 0 {
			fmt.Println("Re-run with --take local or --take remote to resolve.")
			return nil
		}

		doc, err := s.eng.Settings(cmd.Context(), s.creds.UserID)
		if err != nil {
			return err
		}
		if doc == nil {
			fmt.Println("In sync. No settings stored yet.")
			return nil
		}
		fmt.Printf("In sync. %d setting group(s), updated %s\n",
			len(doc.SettingGroups), doc.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and edit synced settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [group]",
	Short: "Print settings, or one group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		doc, err := s.eng.Settings(cmd.Context(), s.creds.UserID)
		if err != nil {
			return err
		}
		if doc == nil {
			fmt.Println("No settings stored.")
			return nil
		}

		if len(args) == 1 {
			raw, ok := doc.SettingGroups[args[0]]
			if !ok {
				return fmt.Errorf("no setting group %q", args[0])
			}
			fmt.Println(string(raw))
			return nil
		}

		names := make([]string, 0, len(doc.SettingGroups))
		for name := range doc.SettingGroups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s: %s\n", name, doc.SettingGroups[name])
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <group> <json>",
	Short: "Set one settings group to a JSON value and sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("value is not valid JSON: %s", args[1])
		}

		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		doc, err := s.eng.UpdateSettings(cmd.Context(), s.creds.UserID, map[string]json.RawMessage{
			args[0]: json.RawMessage(args[1]),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Set %s. Document now has %d group(s).\n", args[0], len(doc.SettingGroups))
		return nil
	},
}

var settingsUnsetCmd = &cobra.Command{
	Use:   "unset <group>",
	Short: "Delete one settings group and sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		_, err = s.eng.UpdateSettings(cmd.Context(), s.creds.UserID, map[string]json.RawMessage{
			args[0]: nil,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s.\n", args[0])
		return nil
	},
}

var settingsSyncToggleCmd = &cobra.Command{
	Use:   "auto <on|off>",
	Short: "Enable or disable cross-device sync for this user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return fmt.Errorf("expected 'on' or 'off', got %q", args[0])
		}

		s, err := openSession(cmd.Context(), config.LoadParams())
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		if err := s.eng.SetSyncEnabled(cmd.Context(), s.creds.UserID, enabled); err != nil {
			return err
		}
		fmt.Printf("Cross-device sync %s.\n", args[0])
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncManual, "manual", false, "queue conflicts for manual resolution instead of last-write-wins")
	syncCmd.Flags().StringVar(&syncTake, "take", "", "resolve queued conflicts: 'local' or 'remote'")

	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsUnsetCmd)
	settingsCmd.AddCommand(settingsSyncToggleCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(settingsCmd)
}
