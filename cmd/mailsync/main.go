// Command mailsync keeps a local cache of IMAP folders in sync with the
// server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
