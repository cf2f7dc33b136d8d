package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    shardcli "github.com/amirimatin/go-shardcoord/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "error:", err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "shardcoordctl",
        Short:         "shard coordination node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    shardcli.AddAll(root)
    return root
}
