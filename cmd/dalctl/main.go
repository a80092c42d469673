// Command dalctl runs data access operations against any registered backend.
package main

import (
	"os"

	"github.com/gobeaver/dal/cmd/dalctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
