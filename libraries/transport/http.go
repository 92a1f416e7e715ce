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

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// Paths served by an authority's HTTP server.
const (
	SessionsPath = "/sessions"
	// MessagesPath is relative to a session, /sessions/:session/messages.
	MessagesPath = "/messages"
	// WaitParam bounds how long a message poll is held open.
	WaitParam = "wait"

	FrameContentType = "application/x-blobgraph-frames"
)

// SessionResponse is the body returned when a session is created.
type SessionResponse struct {
	Session uuid.UUID `json:"session"`
}

// HTTPDialer opens sessions with an authority served over HTTP. Envelopes
// are POSTed one per request and received by long polling.
type HTTPDialer struct {
	BaseURL string
	// Client defaults to an HTTP/1.1 client, or a cleartext HTTP/2 client
	// when H2C is set.
	Client *http.Client
	H2C    bool
	// Token is sent as a bearer token when set.
	Token    string
	PollWait time.Duration
	Log      *logrus.Entry
}

func (d *HTTPDialer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	if d.H2C {
		return &http.Client{Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var nd net.Dialer
				return nd.DialContext(ctx, network, addr)
			},
		}}
	}
	return http.DefaultClient
}

func (d *HTTPDialer) url(parts ...string) string {
	return strings.TrimRight(d.BaseURL, "/") + strings.Join(parts, "")
}

func (d *HTTPDialer) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", FrameContentType)
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrDisconnected.Wrap(err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrClosed.Wrap(err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return err
	}
	return ErrDisconnected.Wrap(err)
}

func (d *HTTPDialer) Dial(ctx context.Context) (Conn, error) {
	resp, err := d.do(ctx, http.MethodPost, d.url(SessionsPath), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}
	var sr SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, errors.Wrap(err, "transport: decoding session response")
	}
	lgr := d.Log
	if lgr == nil {
		lgr = logrus.NewEntry(logrus.StandardLogger())
	}
	wait := d.PollWait
	if wait <= 0 {
		wait = 25 * time.Second
	}
	return &httpConn{
		d:    d,
		id:   sr.Session,
		wait: wait,
		lgr:  lgr.WithField("session", sr.Session.String()),
	}, nil
}

type httpConn struct {
	d      *HTTPDialer
	id     uuid.UUID
	wait   time.Duration
	lgr    *logrus.Entry
	closed atomic.Bool

	mu       sync.Mutex
	buffered []*Envelope
}

func (c *httpConn) messages() string {
	return c.d.url(SessionsPath, "/", c.id.String(), MessagesPath)
}

func (c *httpConn) Send(ctx context.Context, e *Envelope) error {
	if c.closed.Load() {
		return ErrClosed.New()
	}
	var buf bytes.Buffer
	if err := Encode(&buf, e); err != nil {
		return err
	}
	resp, err := c.d.do(ctx, http.MethodPost, c.messages(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

func (c *httpConn) Recv(ctx context.Context) (*Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.buffered) > 0 {
			e := c.buffered[0]
			c.buffered = c.buffered[1:]
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()
		if c.closed.Load() {
			return nil, ErrClosed.New()
		}
		got, err := c.poll(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.buffered = append(c.buffered, got...)
		c.mu.Unlock()
	}
}

func (c *httpConn) poll(ctx context.Context) ([]*Envelope, error) {
	url := fmt.Sprintf("%s?%s=%s", c.messages(), WaitParam, c.wait)
	resp, err := c.d.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, statusError(resp)
	}
	var ret []*Envelope
	for {
		e, err := Decode(resp.Body)
		if err == io.EOF {
			return ret, nil
		}
		if err != nil {
			return nil, ErrDisconnected.Wrap(err)
		}
		ret = append(ret, e)
	}
}

func (c *httpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.d.do(ctx, http.MethodDelete, c.d.url(SessionsPath, "/", c.id.String()), nil)
	if err != nil {
		c.lgr.Tracef("transport: closing session: %v", err)
		return nil
	}
	resp.Body.Close()
	return nil
}
