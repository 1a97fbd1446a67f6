// Command oliskey-syncd runs the offline-first sync daemon. Local
// clients talk to it over REST/WebSocket on localhost.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
