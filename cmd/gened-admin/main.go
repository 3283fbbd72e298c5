package main

import "github.com/lindseylubin/Gen-Ed/cmd/gened-admin/cmd"

func main() {
	cmd.Execute()
}
