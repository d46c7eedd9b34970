// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	directoryEngineFlag = "directory-engine"
	directoryEngineConf = "directory.engine"
	directoryURIFlag    = "directory-uri"
	directoryURIConf    = "directory.uri"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with LOOM, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/loom", "$HOME/.loom", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault(directoryEngineFlag, "")
	viper.SetDefault(directoryURIFlag, "")
	err := viper.ReadInConfig()
	if err == nil {
		viper.SetDefault(directoryEngineFlag, viper.Get(directoryEngineConf))
		viper.SetDefault(directoryURIFlag, viper.Get(directoryURIConf))
	}

	return &cobra.Command{
		Use:   "loom",
		Short: "A distributed query fabric that runs pipeline fragments on a cluster of nodes and weaves their routed output back together",
		Long: `A distributed query fabric that runs pipeline fragments on a cluster of nodes and weaves their routed output back together.

Loom nodes admit query fragments, route each operator's output to the peers that need it, and serve the staged chunks until every consumer has collected its share.`,
	}
}
