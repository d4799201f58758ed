package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/sdk"
	"github.com/celerix-dev/shelf/pkg/shelf"
)

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the decoded value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDict(func(d *shelf.Dict) error {
				v, found, err := d.Lookup(args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("%q: %w", args[0], engine.ErrKeyNotFound)
				}
				printValue(v)
				return nil
			})
		},
	}
}

func setCmd() *cobra.Command {
	var asText bool
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; valid JSON is stored structured, anything else as text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var val any = args[1]
			if !asText && json.Valid([]byte(args[1])) {
				val = json.RawMessage(args[1])
			}
			return withDict(func(d *shelf.Dict) error {
				if err := d.Set(args[0], val); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asText, "text", false, "always store the value as text")
	return cmd
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDict(func(d *shelf.Dict) error {
				deleted, err := d.Delete(args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("%q: %w", args[0], engine.ErrKeyNotFound)
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
}

type scanLine struct {
	Key   string         `json:"key"`
	Shelf *shelf.KeyInfo `json:"shelf,omitempty"`
	Value any            `json:"value,omitempty"`
}

func scanCmd() *cobra.Command {
	var keysOnly bool
	cmd := &cobra.Command{
		Use:   "scan [prefix]",
		Short: "List entries whose key starts with prefix, one JSON object per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix any
			if len(args) == 1 {
				prefix = args[0]
			}
			return withDict(func(d *shelf.Dict) error {
				return d.Scan(prefix, func(k []byte, v any) error {
					line := scanLine{Key: fmt.Sprintf("%q", k)}
					if utf8.Valid(k) {
						line.Key = string(k)
					}
					if info, ok := shelf.DescribeKey(k); ok {
						line.Shelf = &info
					}
					if !keysOnly {
						line.Value = v
					}
					out, err := json.Marshal(line)
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&keysOnly, "keys", "k", false, "omit values")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush the engine to durable storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDict(func(d *shelf.Dict) error {
				if err := d.Sync(); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [addr]",
		Short: "Check that shelfd answers (default $SHELF_STORE_ADDR)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			} else if addr = envAddr(); addr == "" {
				return errors.New("no address given and SHELF_STORE_ADDR is not set")
			}
			c, err := sdk.Connect(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Println("PONG")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <src-location> <dst-location>",
		Short: "Copy every entry from one engine to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := engine.Open(args[0], engine.WithLogger(logger))
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := engine.Open(args[1], engine.WithLogger(logger))
			if err != nil {
				return err
			}
			defer dst.Close()

			n, err := engine.Migrate(src, dst)
			if err != nil {
				return err
			}
			if err := dst.Sync(); err != nil {
				return err
			}
			fmt.Printf("migrated %d entries\n", n)
			return nil
		},
	}
}

func printValue(v any) {
	switch t := v.(type) {
	case string:
		fmt.Println(t)
	case []byte:
		fmt.Printf("%q\n", t)
	default:
		printJSON(v)
	}
}
