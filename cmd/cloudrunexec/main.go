package main

import (
	"os"

	"github.com/benchcloud/cloudrunexec/cmd/cloudrunexec/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
