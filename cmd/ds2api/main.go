package main

import (
	"github.com/charmbracelet/log"
	"github.com/yuanshang000/ds2api/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
