package identity

import (
	"fmt"
	"io"
)

// PrintIdentity implements the -p CLI flag (spec.md §6): print this
// endpoint's identity hash and, when running as a listener, the
// destination hash it will expose, then the caller exits 0.
func PrintIdentity(w io.Writer, id *Identity, destinationHash string) {
	fmt.Fprintf(w, "Identity: %s\n", id.HashHex())
	if destinationHash != "" {
		fmt.Fprintf(w, "Destination: %s\n", destinationHash)
	}
}
