package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"provisioning-queue/internal/models"

	"github.com/spf13/cobra"
)

// Enqueue returns the admin command that adds an item to the queue.
//
// Required flags:
//
//	--name: server name
//	--type: server type (game)
//
// Optional flags:
//
//	--attributes: JSON object sent to the panel, or @file to read it from a file
func Enqueue() *cobra.Command {
	var name, typ, attributes string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a server provisioning request to the queue",
		Example: `  provisioner enqueue --name survival --type minecraft \
    --attributes '{"name":"survival","user":1,"egg":5,"limits":{"memory":2048}}'

  provisioner enqueue --name survival --type minecraft --attributes @server.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attrs, err := parseAttributes(attributes)
			if err != nil {
				return err
			}

			rt, _, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			item, err := rt.Enqueue(cmd.Context(), models.EnqueueRequest{Name: name, Type: typ, Attributes: attrs})
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Server name")
	cmd.Flags().StringVar(&typ, "type", "", "Server type")
	cmd.Flags().StringVar(&attributes, "attributes", "", "Panel attributes as JSON, or @path to a JSON file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func parseAttributes(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attributes file: %w", err)
		}
		raw = string(data)
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("attributes must be a JSON object: %w", err)
	}
	return attrs, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
