package main

import (
	"github.com/sirupsen/logrus"

	"github.com/gibraltar-software/loupe/cmd"
)

// init configures the initial logging level before flags are parsed.
func init() {
	logrus.SetLevel(logrus.InfoLevel)
}

// main delegates to the cmd package, which handles CLI setup, flag parsing,
// and the connectivity check loop.
func main() {
	cmd.Execute()
}
