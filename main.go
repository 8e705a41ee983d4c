// The main package for the luneth executable.
package main

import (
	"github.com/JakeFAU/luneth-sync/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
