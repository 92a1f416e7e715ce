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

// Package auth acquires and stores the bearer tokens clients present to an
// upstream authority.
package auth

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skratchdot/open-golang/open"
	"gopkg.in/yaml.v3"
)

// Opener shows |url| to the user.
type Opener func(url string) error

// Browser opens |url| in the default browser without waiting for it.
func Browser(url string) error {
	return open.Start(url)
}

// Credentials is the content of a token file.
type Credentials struct {
	Upstream string    `yaml:"upstream"`
	Token    string    `yaml:"token"`
	Created  time.Time `yaml:"created"`
}

// Save writes |c| to |path|, readable only by the owner.
func (c Credentials) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadCredentials reads a token file written by Save.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "auth: %s is not a credentials file", path)
	}
	if c.Token == "" {
		return c, errors.Errorf("auth: %s holds no token", path)
	}
	return c, nil
}

// TokenFromFile returns the token in |path|, or "" for an empty path.
func TokenFromFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	c, err := LoadCredentials(path)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}

// Login walks the user through getting a token for |upstream|: it opens
// the upstream's login page, reads the token the page shows from |in|, checks
// it with |verify| if that is non-nil, and returns the credentials.
func Login(ctx context.Context, upstream string, openURL Opener, in io.Reader, out io.Writer, verify func(ctx context.Context, token string) error) (Credentials, error) {
	nonce := uuid.New()
	url := fmt.Sprintf("%s/login#%s", strings.TrimSuffix(upstream, "/"), nonce)
	fmt.Fprintf(out, "Opening a browser to:\n\t%s\nPaste the token shown there and press enter.\n", url)
	if err := openURL(url); err != nil {
		fmt.Fprintf(out, "Could not open a browser (%v), please visit the address above.\n", err)
	}

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if tok := strings.TrimSpace(sc.Text()); tok != "" {
				lines <- tok
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.ErrUnexpectedEOF
	}()

	var token string
	select {
	case token = <-lines:
	case err := <-errs:
		return Credentials{}, errors.Wrap(err, "auth: reading token")
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
	if verify != nil {
		if err := verify(ctx, token); err != nil {
			return Credentials{}, errors.Wrap(err, "auth: upstream rejected the token")
		}
	}
	return Credentials{Upstream: upstream, Token: token, Created: time.Now().UTC().Truncate(time.Second)}, nil
}

// Check reports whether the Authorization header value |header| carries
// |token|. An empty |token| admits everyone.
func Check(token, header string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
