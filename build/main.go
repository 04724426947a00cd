package main

import (
	"os"
	"os/exec"

	"github.com/goyek/goyek/v2"
)

func goCmd(a *goyek.A, args ...string) {
	a.Log("go", args)
	cmd := exec.CommandContext(a.Context(), "go", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		a.Error(err)
	}
}

var vet = goyek.Define(goyek.Task{
	Name:  "vet",
	Usage: "Run go vet on all packages",
	Action: func(a *goyek.A) {
		goCmd(a, "vet", "./...")
	},
})

var test = goyek.Define(goyek.Task{
	Name:  "test",
	Usage: "Run the fast tests",
	Deps:  goyek.Deps{vet},
	Action: func(a *goyek.A) {
		goCmd(a, "test", "-short", "-race", "./...")
	},
})

var _ = goyek.Define(goyek.Task{
	Name:  "test-all",
	Usage: "Run every test, including ones that touch docker or the network",
	Deps:  goyek.Deps{test},
	Action: func(a *goyek.A) {
		goCmd(a, "test", "-race", "-count=1", "./...")
	},
})

func main() {
	goyek.SetDefault(test)
	goyek.Main(os.Args[1:])
}
