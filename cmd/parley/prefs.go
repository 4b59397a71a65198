package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	parley "github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

func init() {
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	rootCmd.AddCommand(prefsCmd)
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage notification preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show notification preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		prefs, err := client.Prefs.Get(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Push notifications:    %s\n", onOff(prefs.PushEnabled))
		fmt.Printf("Message notifications: %s\n", onOff(prefs.MessageNotifications))
		fmt.Printf("Email notifications:   %s\n", onOff(prefs.EmailNotifications))
		fmt.Printf("Sound:                 %s\n", onOff(prefs.SoundEnabled))
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <field> <on|off>",
	Short: "Change a notification preference",
	Long:  "Change a notification preference.\nFields: push, messages, email, sound.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, value := args[0], args[1]

		var enabled bool
		switch value {
		case "on", "true":
			enabled = true
		case "off", "false":
			enabled = false
		default:
			return fmt.Errorf("value must be 'on' or 'off'")
		}

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		prefs, err := client.Prefs.Get(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		switch field {
		case "push":
			prefs.PushEnabled = enabled
		case "messages":
			prefs.MessageNotifications = enabled
		case "email":
			prefs.EmailNotifications = enabled
		case "sound":
			prefs.SoundEnabled = enabled
		default:
			return fmt.Errorf("unknown field %q (valid: push, messages, email, sound)", field)
		}

		if err := client.Prefs.Update(ctx, prefs); err != nil {
			if errors.Is(err, parley.ErrPrefsUnsupported) {
				return fmt.Errorf("this server does not support storing preferences")
			}
			return fmt.Errorf("update failed: %w", err)
		}

		fmt.Printf("Set %s = %s\n", field, onOff(enabled))
		return nil
	},
}
