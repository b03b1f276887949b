package main

import "github.com/arcward/craftlink/cmd"

func main() {
	cmd.Execute()
}
