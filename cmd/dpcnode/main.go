// Command dpcnode runs a single privacy-first mesh node: it bootstraps the
// DHT, starts the direct-dial and relay listeners, joins gossip, and
// constructs the connection orchestrator without exposing it to any caller.
// It also exposes
// identity and knowledge-commit inspection subcommands, mirroring the
// donor's cmd/cli package layout (one cobra command tree, thin controllers
// delegating to core).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	log "github.com/sirupsen/logrus"
)

func main() {
	root := &cobra.Command{
		Use:   "dpcnode",
		Short: "privacy-first peer-to-peer messaging node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lv, err := log.ParseLevel(viper.GetString("logging.level"))
			if err != nil {
				lv = log.InfoLevel
			}
			log.SetLevel(lv)
			log.SetFormatter(&log.JSONFormatter{})
			return nil
		},
	}

	root.AddCommand(startCmd())
	root.AddCommand(identityCmd())
	root.AddCommand(commitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
