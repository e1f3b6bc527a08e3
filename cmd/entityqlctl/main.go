// Command entityqlctl inspects entity schemas and the SQL the query compiler
// produces for them, without a running server or database.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
