package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/splitter/cmd/splitter/cmd"
	"github.com/G-Research/splitter/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
