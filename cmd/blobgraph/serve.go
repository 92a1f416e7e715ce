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

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/auth"
	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/libraries/upstream"
)

func serveCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("serve", "Run an upstream authority over HTTP.")
	listen := cmd.Flag("listen", "address to listen on, overrides server.listen").String()
	dataDir := cmd.Flag("data-dir", "directory for canonical copies, overrides server.data_dir").String()

	return cmd, func(ctx context.Context, e *env) int {
		cfg := e.cfg.Server
		if *listen != "" {
			cfg.Listen = *listen
		}
		if *dataDir != "" {
			cfg.DataDir = *dataDir
		}

		opts := upstream.Options{
			Capacity:     e.cfg.Storage.RegionCapacity,
			PokeInterval: e.cfg.Sync.PokeInterval,
			Chunking:     chunkOptions(e.cfg, e.lgr),
			Log:          e.lgr,
		}
		if cfg.DataDir != "" {
			store, err := snapshot.NewStore(cfg.DataDir, e.cfg.Storage.RegionCapacity)
			if err != nil {
				return e.fail(err)
			}
			opts.Store = store
		}
		token, err := auth.TokenFromFile(cfg.TokenFile)
		if err != nil {
			return e.fail(err)
		}

		a, err := upstream.New(opts)
		if err != nil {
			return e.fail(err)
		}
		defer a.Close()
		srv := upstream.NewServer(a, upstream.ServerOptions{Token: token, Log: e.lgr})
		defer srv.Close()

		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return e.fail(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "serving graphs on http://%s\n", l.Addr())

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := srv.Serve(ctx, l); err != nil {
			return e.fail(err)
		}
		return 0
	}
}
