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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/auth"
	"github.com/dolthub/blobgraph/libraries/butler"
	"github.com/dolthub/blobgraph/libraries/metrics"
	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
)

// newButler builds a butler from the configuration. The caller closes it.
func newButler(ctx context.Context, e *env, m *metrics.Sync) (*butler.Butler, error) {
	up := e.cfg.Upstream
	if up.URL == "" {
		return nil, errors.New("no upstream configured, set upstream.url")
	}
	token, err := auth.TokenFromFile(up.TokenFile)
	if err != nil {
		return nil, err
	}
	opts := butler.Options{
		Dialer: &transport.HTTPDialer{
			BaseURL:  up.URL,
			H2C:      up.H2C,
			Token:    token,
			PollWait: up.PollWait,
			Log:      e.lgr,
		},
		Capacity:         e.cfg.Storage.RegionCapacity,
		TaskTimeout:      e.cfg.Sync.TaskTimeout,
		ReconnectBackoff: e.cfg.Sync.ReconnectBackoff,
		Chunking:         chunkOptions(e.cfg, e.lgr),
		SendAttempts:     e.cfg.Sync.SendAttempts,
		SendBackoff:      e.cfg.Sync.SendBackoff,
		Metrics:          m,
		Log:              e.lgr,
	}
	if dir := e.cfg.Storage.DataDir; dir != "" {
		store, err := snapshot.NewStore(dir, e.cfg.Storage.RegionCapacity)
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}
	return butler.New(ctx, opts), nil
}

func serveMetrics(ctx context.Context, e *env, addr string, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hs := &http.Server{Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	go func() {
		if err := hs.Serve(l); err != nil && err != http.ErrServerClosed {
			e.lgr.Warnf("metrics listener: %v", err)
		}
	}()
	e.lgr.Infof("serving metrics on http://%s/metrics", l.Addr())
	return nil
}

func pullCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("pull", "Fetch a graph from upstream.")
	uidArg := cmd.Arg("uid", "graph to fetch").Required().String()
	lazy := cmd.Flag("lazy", "map the graph and fetch pages on demand; ignored with storage.data_dir").Bool()
	follow := cmd.Flag("follow", "keep the graph subscribed and report updates until interrupted").Bool()
	metricsAddr := cmd.Flag("metrics-listen", "serve prometheus metrics on this address").String()

	return cmd, func(ctx context.Context, e *env) int {
		uid, err := uuid.Parse(*uidArg)
		if err != nil {
			return e.fail(errors.Wrapf(err, "bad graph uid %q", *uidArg))
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		m, err := metrics.NewSync(reg, prometheus.Labels{"command": "pull"})
		if err != nil {
			return e.fail(err)
		}
		if *metricsAddr != "" {
			if err := serveMetrics(ctx, e, *metricsAddr, reg); err != nil {
				return e.fail(err)
			}
		}

		b, err := newButler(ctx, e, m)
		if err != nil {
			return e.fail(err)
		}
		defer b.Close()

		lctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.TaskTimeout)
		g, err := b.Load(lctx, uid, butler.LoadOptions{Lazy: *lazy})
		cancel()
		if err != nil {
			return e.fail(err)
		}
		read := g.ReadHead()
		fmt.Fprintf(e.out, "%s: %s blobs up to index %d\n", uid, humanize.Bytes(uint64(read.Offset())), read)
		if !*follow {
			return 0
		}

		unsub, err := b.Subscribe(uid, func(lo, hi blobs.Index) {
			fmt.Fprintf(e.out, "%s: blobs %d..%d arrived\n", uid, lo, hi)
		})
		if err != nil {
			return e.fail(err)
		}
		defer unsub()
		<-ctx.Done()
		return 0
	}
}
