package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dpcmesh/dpcnode/core/commitstore"
	"github.com/dpcmesh/dpcnode/pkg/config"
	"github.com/dpcmesh/dpcnode/pkg/identity/certcache"
)

func loadConfigForCLI() (*config.Config, error) {
	return config.LoadFromEnv()
}

func commitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "inspect the knowledge-commit store",
	}
	cmd.AddCommand(commitListCmd())
	cmd.AddCommand(commitAuditCmd())
	return cmd
}

func openStoreForCLI() (*commitstore.Store, *commitstore.Report, string, error) {
	cfg, err := loadConfigForCLI()
	if err != nil {
		return nil, nil, "", err
	}
	dataDir := expandDataDir(cfg.DataDir)
	cc, err := certcache.New(filepath.Join(dataDir, "peers"))
	if err != nil {
		return nil, nil, "", err
	}
	store, report, err := commitstore.Open(dataDir, cc.Get)
	return store, report, dataDir, err
}

func commitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every knowledge commit currently on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, _, err := openStoreForCLI()
			if err != nil {
				return err
			}
			for _, c := range store.List() {
				fmt.Printf("%s  %-12s  %s\n", c.CommitID, c.ConsensusType, c.Topic)
			}
			fmt.Printf("pending: %d\n", store.PendingCount())
			return nil
		},
	}
}

func commitAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "re-verify every persisted commit's hashes, signatures, and parent linkage",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, report, _, err := openStoreForCLI()
			if err != nil {
				return err
			}
			fmt.Printf("checked: %d, issues: %d\n", report.Checked, len(report.Issues))
			for _, issue := range report.Issues {
				fmt.Printf("  %s (%s): %s: %v\n", issue.CommitID, issue.Path, issue.Kind, issue.Err)
			}
			return nil
		},
	}
}
