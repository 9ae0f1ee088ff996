package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "inspect this node's identity",
	}
	cmd.AddCommand(identityShowCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the node's NodeId and public key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigForCLI()
			if err != nil {
				return err
			}
			id, err := identity.CreateIfAbsent(filepath.Join(expandDataDir(cfg.DataDir), "identity"))
			if err != nil {
				return err
			}
			fmt.Printf("node_id:     %s\n", id.NodeID)
			sum := sha256.Sum256(id.Cert.RawSubjectPublicKeyInfo)
			fmt.Printf("fingerprint: %s\n", hex.EncodeToString(sum[:16]))
			return nil
		},
	}
}
