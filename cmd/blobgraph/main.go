// Copyright 2026 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command blobgraph serves, fetches and inspects graphs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/config"
	"github.com/dolthub/blobgraph/libraries/transport"
)

// env is what a command runs against.
type env struct {
	cfg    *config.Config
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	lgr    *logrus.Entry
}

func (e *env) fail(err error) int {
	fmt.Fprintln(e.errOut, color.RedString("error:"), err)
	return 1
}

type handler func(ctx context.Context, e *env) (exitCode int)

type command func(app *kingpin.Application) (*kingpin.CmdClause, handler)

var commands = []command{
	serveCmd,
	pullCmd,
	inspectCmd,
	exportCmd,
	importCmd,
	loginCmd,
	configCmd,
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	app := kingpin.New("blobgraph", "An append-only graph store and its upstream authority.")
	app.HelpFlag.Short('h')
	app.UsageWriter(out)
	app.ErrorWriter(errOut)
	exited := false
	app.Terminate(func(int) { exited = true })

	cfgPath := app.Flag("config", "path of the YAML configuration file").Short('c').Envar("BLOBGRAPH_CONFIG").String()
	logLevel := app.Flag("log-level", "overrides log_level from the configuration").String()

	handlers := map[string]handler{}
	for _, c := range commands {
		clause, h := c(app)
		handlers[clause.FullCommand()] = h
	}

	input, err := app.Parse(args)
	if exited {
		return 0
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	cfg := config.Default()
	if *cfgPath != "" {
		if cfg, err = config.LoadFile(*cfgPath); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	}

	lgr := logrus.New()
	lgr.SetOutput(errOut)
	lgr.SetLevel(cfg.Level())
	e := &env{cfg: cfg, in: in, out: out, errOut: errOut, lgr: logrus.NewEntry(lgr)}
	return handlers[input](ctx, e)
}

// chunkOptions is nil when chunking is switched off.
func chunkOptions(cfg *config.Config, lgr *logrus.Entry) *transport.ChunkOptions {
	ch := cfg.Chunking
	if ch.Threshold <= 0 {
		return nil
	}
	return &transport.ChunkOptions{
		Threshold:   ch.Threshold,
		AvgPiece:    ch.AvgPiece,
		MinPiece:    ch.MinPiece,
		MaxPiece:    ch.MaxPiece,
		IdleTimeout: ch.IdleTimeout,
		Log:         lgr,
	}
}

func configCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("config", "Print the effective configuration.")
	return cmd, func(_ context.Context, e *env) int {
		if err := e.cfg.Write(e.out); err != nil {
			return e.fail(err)
		}
		return 0
	}
}
