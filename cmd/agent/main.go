// Command agent uploads sensor samples to a tinysense server.
//
// Samples are read as text, one or more numbers per line, from a file or
// stdin. Reading a serial port is left to a tool such as `cat /dev/ttyUSB0`.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
