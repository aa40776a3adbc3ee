// Copyright IBM Corp. 2023, 2025

package main

import "github.com/hashicorp/go-payload/cmd"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// main starts the payload inspection cli `payloadtool`
func main() {
	cmd.Run(version, commit, date)
}
