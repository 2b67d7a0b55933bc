// Command smsrelay runs the SMS and WhatsApp customer support relay.
package main

import (
	"os"

	"github.com/movingally/smsrelay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
