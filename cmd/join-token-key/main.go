// Command join-token-key prints a fresh join token signing keypair as shell
// exports for the session server.
package main

import (
	"os"

	"github.com/louisbranch/encounter.space/internal/platform/config"
	"github.com/louisbranch/encounter.space/internal/tools/jointoken"
)

func main() {
	if err := jointoken.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate join token key: %v", err)
	}
}
