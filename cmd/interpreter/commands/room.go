package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/live-interpreter/internal/relay"
)

var roomJSON bool

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage relay rooms",
}

var roomCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and print its credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := controlClient().CreateRoom(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(os.Stdout, creds)
	},
}

var roomStatusCmd = &cobra.Command{
	Use:   "status <room-id>",
	Short: "Show a room's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := controlClient().RoomStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(os.Stdout, status)
	},
}

var roomDeleteCmd = &cobra.Command{
	Use:   "delete <room-id>",
	Short: "Close a room and disconnect everyone in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("key")
		if secret == "" {
			return fmt.Errorf("--key is required")
		}
		if err := controlClient().DeleteRoom(cmd.Context(), args[0], secret); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Room %s deleted\n", args[0])
		return nil
	},
}

func init() {
	roomCmd.PersistentFlags().BoolVar(&roomJSON, "json", false, "print JSON instead of YAML")
	roomDeleteCmd.Flags().String("key", "", "writer secret of the room")

	roomCmd.AddCommand(roomCreateCmd)
	roomCmd.AddCommand(roomStatusCmd)
	roomCmd.AddCommand(roomDeleteCmd)
}

func controlClient() *relay.ControlClient {
	return relay.NewControlClient(appConfig.Speaker.RelayURL, appConfig.Server.GetReadTimeoutDuration())
}

// printResult writes v as YAML, or indented JSON with --json. YAML output
// reuses the JSON field names.
func printResult(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if roomJSON {
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(fields); err != nil {
		return err
	}
	return enc.Close()
}
