// Command cssmodules resolves CSS module class names through the workspace's
// cssd daemon, starting the daemon if it is not already running.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newResolver).Execute(); err != nil {
		os.Exit(1)
	}
}
