package main

import (
	"log"

	"github.com/spf13/cobra"

	memberscli "github.com/amirimatin/members-manager/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "membersctl",
		Short:         "members-manager control CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	memberscli.AddAll(root)
	return root
}
