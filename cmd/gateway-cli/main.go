package main

import (
	"github.com/catdevnull/docialsata/cmd/gateway-cli/cmd"
)

func main() {
	cmd.Execute()
}
