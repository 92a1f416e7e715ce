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
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dolthub/blobgraph/libraries/auth"
	"github.com/dolthub/blobgraph/libraries/transport"
)

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.yaml"
	}
	return filepath.Join(home, ".blobgraph", "credentials.yaml")
}

func noBrowser(string) error {
	return errors.New("browser disabled")
}

func loginCmd(app *kingpin.Application) (*kingpin.CmdClause, handler) {
	cmd := app.Command("login", "Get a token for an upstream and save it.")
	url := cmd.Arg("upstream", "upstream base URL, defaults to upstream.url").String()
	tokenFile := cmd.Flag("token-file", "where to save the token, defaults to upstream.token_file").String()
	skipBrowser := cmd.Flag("no-browser", "print the login address instead of opening it").Bool()

	return cmd, func(ctx context.Context, e *env) int {
		up := e.cfg.Upstream
		if *url != "" {
			up.URL = *url
		}
		if up.URL == "" {
			return e.fail(errors.New("no upstream given, pass one or set upstream.url"))
		}
		path := *tokenFile
		if path == "" {
			path = up.TokenFile
		}
		if path == "" {
			path = defaultTokenFile()
		}

		opener := auth.Opener(auth.Browser)
		if *skipBrowser {
			opener = noBrowser
		}
		verify := func(ctx context.Context, token string) error {
			d := &transport.HTTPDialer{BaseURL: up.URL, H2C: up.H2C, Token: token, Log: e.lgr}
			conn, err := d.Dial(ctx)
			if err != nil {
				return err
			}
			return conn.Close()
		}

		creds, err := auth.Login(ctx, up.URL, opener, e.in, e.out, verify)
		if err != nil {
			return e.fail(err)
		}
		if err := creds.Save(path); err != nil {
			return e.fail(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "saved token for %s to %s\n", up.URL, path)
		return 0
	}
}
