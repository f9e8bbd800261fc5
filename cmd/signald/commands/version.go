// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of signald. It is set at build time.
var Version = "unset"

// Copyright is the copyright including authors of signald.
var Copyright = "Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of signald",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "signald version %s\n%s\n", Version, Copyright)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
