package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/sdk/client"
)

// agentOptions are the flags shared by every upload mode
type agentOptions struct {
	serverURL     string
	deviceID      string
	sensorType    string
	schemaVersion int
	sampleRateHz  float64
	unit          string
	chunkSize     int
	framed        bool
	meta          map[string]string
}

func (o *agentOptions) startRequest(source string) pipeline.StartRequest {
	meta := map[string]string{"source": source}
	for k, v := range o.meta {
		meta[k] = v
	}
	return pipeline.StartRequest{
		DeviceID:      o.deviceID,
		SensorCode:    o.sensorType,
		SchemaVersion: o.schemaVersion,
		SampleRateHz:  o.sampleRateHz,
		Unit:          o.unit,
		Meta:          meta,
	}
}

func (o *agentOptions) newClient() (*client.Client, error) {
	return client.New(client.Config{ServerURL: o.serverURL})
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	opts := &agentOptions{}

	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Upload sensor samples to a tinysense server",
		Long: `Reads numeric samples from a file or stdin and uploads them as one measurement.

Lines may hold one or more numbers separated by spaces or commas. Lines that
do not parse are skipped. With --framed, only samples between the
---START_FILE--- and ---END_FILE--- markers are used, which is what the
sensor firmware prints when dumping its SD card.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			if !cmd.Flags().Changed("server") {
				if env := os.Getenv("TINYSENSE_SERVER_URL"); env != "" {
					opts.serverURL = env
				}
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "server", config.DefaultServerURL, "Server base URL (env TINYSENSE_SERVER_URL)")
	flags.StringVar(&opts.deviceID, "device-id", "hub-01", "Device id")
	flags.StringVar(&opts.sensorType, "sensor", "pressure", "Sensor type code")
	flags.IntVar(&opts.schemaVersion, "schema-version", 1, "Sensor schema version")
	flags.Float64Var(&opts.sampleRateHz, "rate", 1, "Sample rate in Hz")
	flags.StringVar(&opts.unit, "unit", "mmHg", "Sample unit")
	flags.IntVar(&opts.chunkSize, "chunk", config.DefaultChunkSize, "Samples per chunk")
	flags.BoolVar(&opts.framed, "framed", false, "Only read samples between ---START_FILE--- and ---END_FILE---")
	flags.StringToStringVar(&opts.meta, "meta", nil, "Extra metadata as key=value pairs")

	rootCmd.AddCommand(newUploadCmd(opts), newStreamCmd(opts))
	return rootCmd
}

// openSource returns the named file, or stdin for "" and "-".
func openSource(cmd *cobra.Command, args []string) (io.ReadCloser, string, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), "stdin", nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, "", err
	}
	return f, args[0], nil
}
