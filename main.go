// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/flux-framework/flux-core-sub001/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
