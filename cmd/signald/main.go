// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/n0ot/signald/cmd/signald/commands"

func main() {
	commands.Execute()
}
