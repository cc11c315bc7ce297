// Package main provides segctl, the operator tool for SegDB databases.
//
// Usage:
//
//	segctl [--db=<path>] [--server=<url>] <command> [args]
//
// Commands:
//
//	put <key> <value>        Insert a record
//	get <key>                Get the record stored under a key
//	delete <key>             Delete a key
//	scan                     Scan a key range
//	checkpoint               Commit the catalogue
//	compact                  Reclaim a low-utility segment
//	stat                     Print engine statistics
//	verify                   Check every tree and index entry
//	dump <segment-file>      List the records of one segment file
//	backup create|list|restore|purge
//	serve                    Serve the database over HTTP
//
// Settings come from SEGDB_* environment variables, optionally loaded from a
// .env file, and are overridden by flags.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
