// Command discosim runs discovery/collaboration scenarios on a virtual
// timeline and reports what every agent found and exchanged.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
