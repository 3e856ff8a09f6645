package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chronosphereio/taskcache"
)

var errMiss = errors.New("cache miss")

func newGetCmd(a *app) *cobra.Command {
	var (
		key    keyFlags
		fields []string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print cached field values as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := rawSchema(fields)
			if err != nil {
				return err
			}

			cached, hit := a.manager.GetCache(key.task, key.version, key.hash, schema)
			if !hit {
				return errMiss
			}

			values := make(map[string]json.RawMessage, len(fields))
			for _, field := range fields {
				value, err := taskcache.Get[json.RawMessage](cached, field)
				if err != nil {
					return err
				}
				values[field] = value
			}
			return writeJSON(cmd.OutOrStdout(), values)
		},
	}

	key.register(cmd)
	cmd.Flags().StringSliceVar(&fields, "field", nil, "output field to read (repeatable)")
	_ = cmd.MarkFlagRequired("field")

	return cmd
}

func newStatCmd(a *app) *cobra.Command {
	var (
		key    keyFlags
		fields []string
	)

	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Print the stored hash of each field without fetching it",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := rawSchema(fields)
			if err != nil {
				return err
			}

			cached, hit := a.manager.GetCache(key.task, key.version, key.hash, schema)
			if !hit {
				return errMiss
			}

			out := cmd.OutOrStdout()
			for _, field := range cached.Fields() {
				hash, err := cached.GetHash(field)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", field, hash)
			}
			return nil
		},
	}

	key.register(cmd)
	cmd.Flags().StringSliceVar(&fields, "field", nil, "output field to check (repeatable)")
	_ = cmd.MarkFlagRequired("field")

	return cmd
}

func rawSchema(names []string) (taskcache.Schema, error) {
	fields := make([]taskcache.Field, len(names))
	for i, name := range names {
		fields[i] = taskcache.FieldOf[json.RawMessage](name)
	}
	return taskcache.NewSchema(fields...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
