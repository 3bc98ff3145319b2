package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// DisviewConfig represents the environment configuration of the tool
type DisviewConfig struct {
	Debug     bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	LogLevel  string `json:"logLevel" jsonschema:"title=Log Level,description=Level for the verbose logger (debug or info)"`
	LogToFile bool   `json:"logToFile" jsonschema:"title=Log To File,description=Write the verbose log to a timestamped file in the working directory"`
	NoColor   bool   `json:"noColor" jsonschema:"title=No Color,description=Disable ANSI colors in all output"`
	Profile   bool   `json:"profile" jsonschema:"title=Profile,description=Serve pprof on localhost:6060 while running"`
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the disview environment configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := new(jsonschema.Reflector)
		bts, err := json.MarshalIndent(reflector.Reflect(&DisviewConfig{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(bts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
