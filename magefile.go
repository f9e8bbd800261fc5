//go:build mage
// +build mage

// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	packageName = "github.com/n0ot/signald/cmd/signald"
	ldflags     = "-X " + packageName + "/commands.Version=$VERSION"
	outDir      = "bin"
)

var Default = Build
var vars map[string]string

var releaseTargets = [][2]string{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

// allow user to override go executable by running as GOEXE=xxx make ... on unix-like systems
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build builds signald
func Build() error {
	mg.Deps(mkBin)
	return sh.RunWith(getVars(), goexe, "build", "-ldflags", ldflags, "-o", path.Join(outDir, "$BIN_NAME"), packageName)
}

// BuildRace builds signald with the race detector enabled
func BuildRace() error {
	mg.Deps(mkBin)
	return sh.RunWith(getVars(), goexe, "build", "-race", "-ldflags", ldflags, "-o", path.Join(outDir, "$BIN_NAME"), packageName)
}

// Install installs signald
func Install() error {
	return sh.RunWith(getVars(), goexe, "install", "-ldflags", ldflags, packageName)
}

// Test runs the tests with the race detector enabled
func Test() error {
	return sh.RunV(goexe, "test", "-race", "./...")
}

// Cover runs the tests and writes a coverage profile to bin/coverage.out
func Cover() error {
	mg.Deps(mkBin)
	profile := path.Join(outDir, "coverage.out")
	if err := sh.RunV(goexe, "test", "-coverprofile", profile, "./..."); err != nil {
		return err
	}
	return sh.RunV(goexe, "tool", "cover", "-func", profile)
}

// Vet runs go vet over every package
func Vet() error {
	return sh.RunV(goexe, "vet", "./...")
}

// Release cross compiles signald for each supported platform into bin/
func Release() error {
	mg.Deps(mkBin)
	for _, target := range releaseTargets {
		env := map[string]string{
			"GOOS":        target[0],
			"GOARCH":      target[1],
			"CGO_ENABLED": "0",
			"VERSION":     getVars()["VERSION"],
		}
		out := fmt.Sprintf("signald-%s-%s", target[0], target[1])
		if target[0] == "windows" {
			out += ".exe"
		}
		if err := sh.RunWith(env, goexe, "build", "-ldflags", ldflags, "-o", path.Join(outDir, out), packageName); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes all files and directories created by mage targets.
func Clean() error {
	return os.RemoveAll(outDir)
}

func mkBin() error {
	if _, err := os.Stat(outDir); err == nil {
		return nil
	}
	return os.Mkdir(outDir, 0755)
}

func getVars() map[string]string {
	if vars != nil {
		return vars
	}

	vars = make(map[string]string)
	version, err := sh.Output("git", "describe", "--always", "--long", "--dirty")
	if err != nil {
		version = "unset"
	}
	vars["VERSION"] = version

	vars["BIN_NAME"] = "signald"
	if os.Getenv("GOOS") == "windows" {
		vars["BIN_NAME"] += ".exe"
	}

	return vars
}
