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

package auth

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	ctx := context.Background()
	var opened string
	opener := func(url string) error {
		opened = url
		return nil
	}
	var out bytes.Buffer
	creds, err := Login(ctx, "http://graphs.example.com/", opener, strings.NewReader("\n  s3cret \n"), &out, func(_ context.Context, tok string) error {
		if tok != "s3cret" {
			return errors.New("nope")
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(opened, "http://graphs.example.com/login#"))
	assert.Contains(t, out.String(), opened)
	assert.Equal(t, "s3cret", creds.Token)
	assert.Equal(t, "http://graphs.example.com/", creds.Upstream)

	_, err = Login(ctx, "http://x", opener, strings.NewReader("wrong\n"), &out, func(context.Context, string) error {
		return errors.New("nope")
	})
	assert.Error(t, err)

	_, err = Login(ctx, "http://x", func(string) error { return errors.New("headless") }, strings.NewReader(""), &out, nil)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "headless")
}

func TestCredentialsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "token.yaml")
	tok, err := TokenFromFile("")
	require.NoError(t, err)
	assert.Empty(t, tok)

	_, err = TokenFromFile(path)
	assert.Error(t, err)

	require.NoError(t, Credentials{Upstream: "http://x", Token: "abc"}.Save(path))
	tok, err = TokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	require.NoError(t, Credentials{Upstream: "http://x"}.Save(path))
	_, err = LoadCredentials(path)
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	assert.True(t, Check("", ""))
	assert.True(t, Check("abc", "Bearer abc"))
	assert.False(t, Check("abc", "Bearer abd"))
	assert.False(t, Check("abc", "abc"))
	assert.False(t, Check("abc", ""))
}
