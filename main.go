package main

import "github.com/Afsalkalladi/platformioemlock/cmd"

func main() {
	cmd.Execute()
}
