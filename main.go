package main

import (
	"github.com/securitytheatre/mime/cmd"
)

func main() {
	cmd.Execute()
}
