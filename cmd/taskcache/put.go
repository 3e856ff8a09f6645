package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chronosphereio/taskcache"
)

func newPutCmd(a *app) *cobra.Command {
	var (
		key  keyFlags
		sets []string
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Upload field values to the cache",
		Long: `Upload field values to the cache.

Each --set takes NAME=JSON, or NAME=@PATH to read the JSON value from a file.
Upload failures are logged and never fail the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outputs, err := parseSets(sets)
			if err != nil {
				return err
			}
			a.manager.UploadCache(key.task, key.version, key.hash, outputs)
			return nil
		},
	}

	key.register(cmd)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field value as NAME=JSON or NAME=@PATH (repeatable)")
	_ = cmd.MarkFlagRequired("set")

	return cmd
}

func parseSets(sets []string) (*taskcache.Outputs, error) {
	outputs := taskcache.NewOutputs()
	for _, set := range sets {
		name, raw, ok := strings.Cut(set, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set %q: expected NAME=JSON", set)
		}

		data := []byte(raw)
		if path, isFile := strings.CutPrefix(raw, "@"); isFile {
			var err error
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read value of %s: %w", name, err)
			}
		}

		if !json.Valid(data) {
			return nil, fmt.Errorf("value of %s is not valid JSON", name)
		}
		outputs.Set(name, json.RawMessage(data))
	}
	return outputs, nil
}
