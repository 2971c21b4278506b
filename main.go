package main

import "github.com/devicelab-dev/agent-device/pkg/cli"

func main() {
	cli.Execute()
}
