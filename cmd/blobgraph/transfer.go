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
	"fmt"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
)

func exportCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("export", "Write a snapshot's whole graph to an update file.")
	path := cmd.Arg("dir", "snapshot directory").Required().ExistingDir()
	out := cmd.Arg("file", "update file to write").Required().String()

	return cmd, func(ctx context.Context, e *env) int {
		g, done, err := openSnapshot(e, *path)
		if err != nil {
			return e.fail(err)
		}
		defer done()

		from := payload.Heads{Blobs: blobs.Root, Caches: map[string]payload.CacheHead{}}
		u, err := g.CollectUpdate(ctx, from, true)
		if err != nil {
			return e.fail(err)
		}
		if err := snapshot.WriteUpdate(*out, u); err != nil {
			return e.fail(err)
		}
		fmt.Fprintf(e.out, "exported graph %s up to blob index %d\n", g.UID(), u.BlobIndexHi)
		return 0
	}
}

func importCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("import", "Apply an update file to the local snapshot of its graph.")
	in := cmd.Arg("file", "update file to read").Required().ExistingFile()
	dataDir := cmd.Flag("data-dir", "snapshot root, overrides storage.data_dir").String()

	return cmd, func(ctx context.Context, e *env) int {
		root := e.cfg.Storage.DataDir
		if *dataDir != "" {
			root = *dataDir
		}
		if root == "" {
			return e.fail(errors.New("import needs a snapshot root, set storage.data_dir or --data-dir"))
		}
		u, err := snapshot.ReadUpdate(*in)
		if err != nil {
			return e.fail(err)
		}
		store, err := snapshot.NewStore(root, e.cfg.Storage.RegionCapacity)
		if err != nil {
			return e.fail(err)
		}
		opts := graph.Options{Log: e.lgr}
		sg, ok, err := store.Load(u.GraphUID, opts)
		if err != nil {
			return e.fail(err)
		}
		if !ok {
			if sg, err = store.Create(u.GraphUID, true, opts); err != nil {
				return e.fail(err)
			}
		}
		defer sg.Close()

		if err := sg.ApplyUpdate(ctx, u); err != nil {
			return e.fail(errors.Wrapf(err, "applying %s", *in))
		}
		if err := sg.Region().Flush(); err != nil {
			return e.fail(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "graph %s now at blob index %d\n", u.GraphUID, sg.ReadHead())
		return 0
	}
}
