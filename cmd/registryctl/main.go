// Command registryctl drives an issue registry server from the shell.
//
//	export REGISTRY_URL=http://localhost:8080
//	export REGISTRY_KEY=<hex private key>
//	registryctl create --kind bug --assignee 0x.. --reward 5gwei --description "fix the parser"
//	registryctl credit 0 0x..
//	registryctl withdraw
//
// With --key set, commands that act as the caller log in first. `login` prints
// a token that can be exported as REGISTRY_TOKEN to skip that round trip.
// Output is JSON on stdout.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethcentivize/issue-registry/internal/apperror"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "registryctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode lets scripts tell "fix your input" from "retrying is pointless"
// without parsing messages.
func exitCode(err error) int {
	var usage usageError
	if errors.As(err, &usage) {
		return 2
	}
	switch apperror.RetryClassOf(err) {
	case apperror.RetryFixInput:
		return 3
	case apperror.RetryNever:
		return 4
	case apperror.RetryNothingToDo:
		return 5
	}
	return 1
}
