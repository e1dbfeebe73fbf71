package main

import (
	"fmt"
	"os"

	"github.com/dmtcp-tools/dmtcpdiag/cmd/dmtcpdiag/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dmtcpdiag: %v\n", err)
		os.Exit(1)
	}
}
