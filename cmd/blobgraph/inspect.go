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
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
)

// openSnapshot opens the graph in snapshot directory |path|. The returned
// func releases both.
func openSnapshot(e *env, path string) (*graph.GraphData, func(), error) {
	dir, err := snapshot.OpenDir(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := dir.Region(e.cfg.Storage.RegionCapacity)
	if err != nil {
		dir.Close()
		return nil, nil, err
	}
	g, err := graph.Open(r, graph.Options{Log: e.lgr})
	if err != nil {
		r.Close()
		dir.Close()
		return nil, nil, err
	}
	return g, func() {
		if err := g.Release(); err != nil {
			e.lgr.Warnf("closing %s: %v", path, err)
		}
		dir.Close()
	}, nil
}

func inspectCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("inspect", "Describe the graph in a snapshot directory.")
	path := cmd.Arg("dir", "snapshot directory").Required().ExistingDir()

	return cmd, func(ctx context.Context, e *env) int {
		g, done, err := openSnapshot(e, *path)
		if err != nil {
			return e.fail(err)
		}
		defer done()

		counts := make(map[blobs.Kind]int)
		err = g.Walk(ctx, blobs.Root, g.ReadHead(), func(b blobs.Blob) error {
			counts[b.Kind()]++
			return nil
		})
		if err != nil {
			return e.fail(err)
		}

		label := color.New(color.Bold).SprintFunc()
		state, reason := g.State()
		stateStr := color.GreenString(state.String())
		if state != graph.StateOK {
			stateStr = color.RedString("%s: %s", state, reason)
		}
		h := g.Heads()
		fmt.Fprintf(e.out, "%s %s\n", label("graph:"), g.UID())
		fmt.Fprintf(e.out, "%s %s\n", label("state:"), stateStr)
		fmt.Fprintf(e.out, "%s primary=%t sync=%t\n", label("roles:"), g.IsPrimary(), g.ShouldSync())
		fmt.Fprintf(e.out, "%s read=%d sync=%d tx=%d\n", label("heads:"), h.Read, h.Sync, h.LatestCompleteTx)
		fmt.Fprintf(e.out, "%s %s\n", label("size:"), humanize.Bytes(uint64(h.Read.Offset())))

		fmt.Fprintln(e.out, label("blobs:"))
		kinds := make([]blobs.Kind, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(e.out, "  %-22s %s\n", k, humanize.Comma(int64(counts[k])))
		}

		fmt.Fprintln(e.out, label("caches:"))
		for _, c := range g.Caches().All() {
			fmt.Fprintf(e.out, "  %-22s %s (revision %d)\n", c.Name(), humanize.Bytes(uint64(c.Size())), c.Revision())
		}
		return 0
	}
}
