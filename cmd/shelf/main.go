// Command shelf is a command-line client for shelf stores, local or served
// by shelfd.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/shelf/internal/buildinfo"
	"github.com/celerix-dev/shelf/internal/logging"
	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/schema"
	"github.com/celerix-dev/shelf/pkg/sdk"
	"github.com/celerix-dev/shelf/pkg/shelf"
)

var (
	location string
	logLevel string
	logger   *slog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shelf:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shelf",
		Short:         "Inspect and edit shelf stores",
		Long:          "Inspect and edit shelf stores.\n\nSHELF_STORE_ADDR points every command at a running shelfd;\nSHELF_DISABLE_TLS=true uses plain TCP for it.",
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.Setup(logLevel)
			return err
		},
	}
	defLocation := os.Getenv("SHELF_LOCATION")
	if defLocation == "" {
		defLocation = "sqlite:./data"
	}
	rootCmd.PersistentFlags().StringVarP(&location, "location", "l", defLocation, "engine location")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	rootCmd.AddCommand(
		getCmd(), setCmd(), delCmd(), scanCmd(), syncCmd(), pingCmd(), migrateCmd(),
		notesCmd(), counterCmd(),
	)
	return rootCmd
}

// storeLocation is the location used by record stores: the daemon when
// SHELF_STORE_ADDR is set, otherwise --location.
func storeLocation() string {
	if addr := os.Getenv(sdk.AddrEnv); addr != "" {
		return "tcp://" + addr
	}
	return location
}

func newCodec() *codec.Codec {
	c := codec.New()
	if err := schema.Register(c.Registry); err != nil {
		panic(err)
	}
	return c
}

// withDict opens the engine for one command and wraps it in a Dict.
func withDict(fn func(d *shelf.Dict) error) error {
	e, err := sdk.New(location, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	d := shelf.NewDict(e, newCodec())
	err = fn(d)
	if cerr := e.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
