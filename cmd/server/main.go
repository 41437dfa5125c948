package main

import (
	"fmt"
	"os"

	"data-rsync/internal/bootstrap"
)

func main() {
	if err := bootstrap.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ data-rsync 启动失败: %v\n", err)
		os.Exit(1)
	}
}
