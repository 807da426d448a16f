// Command swapctl drives the simulated kernel core through the boot
// sequence and the end-to-end scenarios the swap subsystem and IPC
// substrate are built around (spec §8).
package main

import "os"

func main() {
	os.Exit(Execute())
}
