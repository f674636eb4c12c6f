// Command shmtool inspects, exercises and monitors persistent memory
// allocator files.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/srediag/shmem/pkg/shm"
)

type cli struct {
	Config string `help:"Configuration file (YAML, or JSON with comments)" type:"existingfile" env:"SHMEM_CONFIG"`

	Inspect inspectCmd `cmd:"" help:"Describe an allocator file"`
	Stress  stressCmd  `cmd:"" help:"Run concurrent writers and readers against an allocator"`
	Serve   serveCmd   `cmd:"" help:"Serve metrics and health checks for an allocator file"`
}

// globals is bound into every command's Run.
type globals struct {
	out io.Writer
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name("shmtool"),
		kong.Description("Tools for shared memory segments managed by the persistent allocator."),
		kong.UsageOnError(),
	)
	if params.Config != "" {
		cfg, err := shm.LoadConfig(params.Config)
		ctx.FatalIfErrorf(err)
		ctx.FatalIfErrorf(shm.Apply(cfg))
	}
	ctx.FatalIfErrorf(ctx.Run(&globals{out: os.Stdout}))
}
