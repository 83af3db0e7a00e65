// Command pipcastctl talks to a pipcast coordinator: it installs,
// uninstalls and lists cluster packages and reads or changes session
// settings.
//
//	pipcastctl config set pipcast.virtualenv.enabled true
//	pipcastctl install arrow==0.12.1
//	pipcastctl install mylib --repo https://pypi.internal/simple
//	pipcastctl list
//	pipcastctl uninstall arrow
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
