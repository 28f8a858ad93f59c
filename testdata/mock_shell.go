// mock_shell is a minimal stand-in for an interactive shell, used as the
// child argv in listener/client integration tests. It prints a marker line
// so a test can confirm the child actually started under the PTY, echoes
// the first line it reads from stdin back to stdout as "echo:<line>", and
// exits with a code taken from MOCK_SHELL_EXIT_CODE if that env var is set.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
)

func main() {
	fmt.Println("MOCK_SHELL_STARTED")

	// Echo exactly one line then exit, so a test driving this as a PTY
	// child over a request/response transport sees a bounded session
	// instead of one that runs until the test's own timeout.
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		fmt.Printf("echo:%s\n", scanner.Text())
	}

	code := 0
	if v := os.Getenv("MOCK_SHELL_EXIT_CODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			code = n
		}
	}
	os.Exit(code)
}
