// Command relay-admin manages the relay's postgres control plane: workspaces,
// their API keys, and published action definitions.
package main

import (
	"fmt"
	"os"

	"github.com/kmabbott81/relay-sub007/internal/admin"
)

func main() {
	if err := admin.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
