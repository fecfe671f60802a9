package main

import "github.com/kawsbot/a2a-pay/cmd/escrowctl/cmd"

func main() {
	cmd.Execute()
}
