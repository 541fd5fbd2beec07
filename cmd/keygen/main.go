// Package main generates the secrets a DeployX deployment needs: the
// at-rest encryption key and the JWT signing secret. With "hash <password>"
// it prints a bcrypt hash instead, for seeding a user row by hand.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/deployx/deployx/internal/auth"
	"github.com/deployx/deployx/internal/crypto"
)

const hashCost = 12

func main() {
	if len(os.Args) > 1 {
		if os.Args[1] != "hash" || len(os.Args) != 3 {
			log.Fatalf("usage: %s [hash <password>]", os.Args[0])
		}
		hash, err := auth.HashPassword(os.Args[2], hashCost)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
		return
	}

	encryptionKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("DeployX secrets")
	fmt.Println("==========================================================")
	fmt.Printf("\nDEPLOYX_ENCRYPTION_KEY=%s\n", encryptionKey)
	fmt.Printf("%s=%s\n", auth.JWTSecretEnv, base64.RawURLEncoding.EncodeToString(secret))
	fmt.Println("\nLosing the encryption key makes stored provider tokens unreadable.")
	fmt.Println("==========================================================")
}
