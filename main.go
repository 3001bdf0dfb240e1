// ./main.go
package main

import (
	"github.com/kexley/coinloop/cmd"
)

func main() {
	cmd.Execute()
}
