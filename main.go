// Package main is the entry point of the instrumented CLI.
package main

import (
	// Root CAs for the proxy's upstream TLS on hosts without a trust store.
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/liuxd6825/instrumented/cmd"
)

func main() {
	cmd.Execute()
}
