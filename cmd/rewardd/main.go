package main

import (
	"log"

	"vendorvote/cmd/internal/passphrase"
	"vendorvote/services/rewardd"
)

func main() {
	opts := rewardd.Options{Passphrase: passphrase.NewSource("REWARDD_KEYSTORE_PASSPHRASE")}
	if err := rewardd.Main(opts); err != nil {
		log.Fatalf("rewardd: %v", err)
	}
}
