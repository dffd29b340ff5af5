package main

import (
	"fmt"

	// Import all Partyline dependencies to measure binary size
	_ "github.com/google/uuid"
	_ "github.com/joeycumines/go-catrate"
	_ "github.com/mark3labs/mcp-go/server"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/prometheus/client_golang/prometheus"
	_ "github.com/rs/zerolog"
	_ "github.com/spf13/cobra"
	_ "go.etcd.io/bbolt"
	_ "gopkg.in/yaml.v3"
)

func main() {
	fmt.Println("Partyline Binary Size POC")
	fmt.Println("This minimal program imports all major Partyline dependencies.")
	fmt.Println("Build and check the binary size with: go build")
}
