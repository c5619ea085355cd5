package main

import "github.com/JakeFAU/labnodes/cmd"

func main() {
	cmd.Execute()
}
