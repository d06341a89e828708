// Command demoserver starts a small knowledge-base site with sections behind
// every supported login regime, for trying kbcrawl end to end.
// Usage: go run ./cmd/demoserver [port]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/raysh454/kbcrawl/internal/demoserver"
)

func main() {
	cfg := demoserver.DefaultConfig()

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	fmt.Println("===========================================")
	fmt.Println("   kbcrawl demo knowledge base")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("Sections:")
	for _, p := range demoserver.GetAllPages() {
		fmt.Printf("  %-32s %-7s %s\n", p.Path, p.Area, p.Description)
	}
	fmt.Println()

	server := demoserver.NewDemoServer(cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
