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

package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dolthub/blobgraph/libraries/auth"
	"github.com/dolthub/blobgraph/libraries/transport"
)

const (
	maxPollWait    = time.Minute
	maxMessageBody = 256 << 20
)

type ServerOptions struct {
	// Token, when set, must be presented as a bearer token by every
	// request.
	Token string
	// SessionIdle ends sessions nobody has polled for this long.
	SessionIdle time.Duration
	Log         *logrus.Entry
}

// Server exposes an Authority over HTTP. Each session is one end of an
// in-process pipe whose other end the Authority serves; clients post
// envelopes to it and long-poll for the envelopes it sends back.
type Server struct {
	a    *Authority
	opts ServerOptions
	lgr  *logrus.Entry

	mu       sync.Mutex
	sessions map[uuid.UUID]*httpSession
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type httpSession struct {
	near transport.Conn
	// polling serializes long polls so envelopes leave in order.
	polling  sync.Mutex
	mu       sync.Mutex
	lastSeen time.Time
}

func (s *httpSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *httpSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func NewServer(a *Authority, opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		a:        a,
		opts:     opts,
		lgr:      opts.Log.WithField("thread", "upstream-http"),
		sessions: make(map[uuid.UUID]*httpSession),
		ctx:      ctx,
		cancel:   cancel,
	}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.reap()
	}()
	return srv
}

// Handler routes the session API and accepts cleartext HTTP/2.
func (srv *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST(transport.SessionsPath, srv.authorized(srv.createSession))
	router.POST(transport.SessionsPath+"/:session"+transport.MessagesPath, srv.authorized(srv.postMessages))
	router.GET(transport.SessionsPath+"/:session"+transport.MessagesPath, srv.authorized(srv.pollMessages))
	router.DELETE(transport.SessionsPath+"/:session", srv.authorized(srv.deleteSession))
	return h2c.NewHandler(router, &http2.Server{})
}

// Serve answers on |l| until |ctx| is done.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()
	srv.lgr.Infof("listening on %s", l.Addr())
	err := hs.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close ends every session.
func (srv *Server) Close() {
	srv.cancel()
	srv.mu.Lock()
	for id, s := range srv.sessions {
		s.near.Close()
		delete(srv.sessions, id)
	}
	srv.mu.Unlock()
	srv.wg.Wait()
}

func (srv *Server) authorized(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if !auth.Check(srv.opts.Token, req.Header.Get("Authorization")) {
			http.Error(w, "missing or wrong bearer token", http.StatusUnauthorized)
			return
		}
		h(w, req, ps)
	}
}

func (srv *Server) session(ps httprouter.Params) (uuid.UUID, *httpSession) {
	id, err := uuid.Parse(ps.ByName("session"))
	if err != nil {
		return uuid.Nil, nil
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return id, srv.sessions[id]
}

func (srv *Server) createSession(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	near, far := transport.Pipe()
	id := uuid.New()
	s := &httpSession{near: near, lastSeen: time.Now()}
	srv.mu.Lock()
	srv.sessions[id] = s
	srv.mu.Unlock()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		if err := srv.a.ServeConn(srv.ctx, far); err != nil {
			srv.lgr.Warnf("session %s: %v", id, err)
		}
		srv.remove(id)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(transport.SessionResponse{Session: id})
}

func (srv *Server) remove(id uuid.UUID) {
	srv.mu.Lock()
	s, ok := srv.sessions[id]
	delete(srv.sessions, id)
	srv.mu.Unlock()
	if ok {
		s.near.Close()
	}
}

func (srv *Server) postMessages(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	_, s := srv.session(ps)
	if s == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	s.touch()
	body := io.LimitReader(req.Body, maxMessageBody)
	for {
		e, err := transport.Decode(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.near.Send(req.Context(), e); err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// pollMessages waits up to the requested time for the first envelope, then
// returns it with everything else already queued.
func (srv *Server) pollMessages(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	_, s := srv.session(ps)
	if s == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	wait, err := time.ParseDuration(req.URL.Query().Get(transport.WaitParam))
	if err != nil || wait <= 0 || wait > maxPollWait {
		wait = maxPollWait
	}
	s.polling.Lock()
	defer s.polling.Unlock()
	s.touch()
	defer s.touch()

	ctx, cancel := context.WithTimeout(req.Context(), wait)
	defer cancel()
	first, err := s.near.Recv(ctx)
	if err != nil {
		if transport.ErrClosed.Is(err) {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var buf bytes.Buffer
	if err := transport.Encode(&buf, first); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	drained, stop := context.WithCancel(context.Background())
	stop()
	for {
		e, err := s.near.Recv(drained)
		if err != nil {
			break
		}
		if err := transport.Encode(&buf, e); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", transport.FrameContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (srv *Server) deleteSession(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, s := srv.session(ps)
	if s == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	srv.remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) reap() {
	t := time.NewTicker(srv.opts.SessionIdle / 4)
	defer t.Stop()
	for {
		select {
		case <-srv.ctx.Done():
			return
		case <-t.C:
		}
		cutoff := time.Now().Add(-srv.opts.SessionIdle)
		srv.mu.Lock()
		var idle []uuid.UUID
		for id, s := range srv.sessions {
			if s.idleSince().Before(cutoff) {
				idle = append(idle, id)
			}
		}
		srv.mu.Unlock()
		for _, id := range idle {
			srv.lgr.Infof("session %s idle for %s, closing", id, srv.opts.SessionIdle)
			srv.remove(id)
		}
	}
}
