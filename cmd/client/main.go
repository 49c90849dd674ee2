package main

import (
	"os"

	"github.com/adwski/webrtc-meet/cmd/client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
