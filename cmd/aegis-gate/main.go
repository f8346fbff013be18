package main

import "github.com/Aegis-Gate/aegisgate/cmd/aegis-gate/cmd"

func main() {
	cmd.Execute()
}
