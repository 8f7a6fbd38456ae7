package main

import (
	"fmt"

	"github.com/textsecure/message-delivery-service/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
