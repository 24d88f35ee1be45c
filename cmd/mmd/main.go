// mmd 是 Stellar DEX 做市服务：HTTP 接口、挂单控制器与运维子命令。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
