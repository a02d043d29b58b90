package main

import (
	"log"

	"github.com/k-okoli/type-of-faith/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err.Error())
	}
}
