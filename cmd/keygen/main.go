package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tjfontaine/carecall/internal/auth"
)

func main() {
	if len(os.Args) > 2 {
		fmt.Println("Usage: go run ./cmd/keygen [admin-key]")
		fmt.Println("Hashes the given admin key, or a new random one, for use in config.yaml")
		os.Exit(1)
	}

	apiKey := ""
	if len(os.Args) == 2 {
		apiKey = os.Args[1]
	} else {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "cc_" + hex.EncodeToString(b)
	}
	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("Admin Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  auth:\n")
	fmt.Printf("    admin_keys:\n")
	fmt.Printf("      - name: \"ops\"\n")
	fmt.Printf("        key_hash: \"%s\"\n", keyHash)
}
