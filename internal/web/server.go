// Package web runs the HTTP server: the JSON API, the websocket feeds and the
// rendered operator docs.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"pdavault.mini/pdv/internal/api"
	"pdavault.mini/pdv/internal/docs"
	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/logger"
	"pdavault.mini/pdv/internal/types"
)

const activityPollInterval = 500 * time.Millisecond

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>pdv {{.Version}}{{if .Current}} - {{.Current}}{{end}}</title></head>
<body>
<nav>
<ul>
{{range .Docs}}<li><a href="/docs?doc={{.}}">{{.}}</a></li>
{{end}}</ul>
</nav>
<main>
{{.Content}}
</main>
</body>
</html>
`))

type docsData struct {
	Version string
	Docs    []string
	Current string
	Content template.HTML
}

// Server is the web server for the API, feeds and docs.
type Server struct {
	port        int
	apiService  *api.Service
	docService  *docs.Service
	logger      *logger.Logger
	feed        *accountFeed
	unsubscribe func()
	httpServer  *http.Server
}

// NewServer wires the handlers and subscribes the account feed to executor.
func NewServer(port int, apiService *api.Service, docService *docs.Service, executor *host.Executor, logger *logger.Logger) *Server {
	s := &Server{
		port:       port,
		apiService: apiService,
		docService: docService,
		logger:     logger,
		feed:       newAccountFeed(),
	}
	s.unsubscribe = executor.Subscribe(s.feed.publish)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.apiService.Routes(mux)

	mux.HandleFunc("/ws/accounts", s.handleAccountsWS)
	mux.HandleFunc("/ws/activity", s.handleActivityWS)
	mux.HandleFunc("/docs", s.handleDocs)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/docs?doc=overview.adoc", http.StatusFound)
	})
	return mux
}

// Start runs the server in the background. The channel yields the serve
// error, or nothing after a clean Shutdown.
func (s *Server) Start() <-chan error {
	log.Printf("INFO: Starting API server on http://localhost:%d", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and disconnects feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.feed.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// handleAccountsWS streams committed account updates. An optional
// comma-separated address parameter limits the stream to those accounts.
func (s *Server) handleAccountsWS(w http.ResponseWriter, r *http.Request) {
	var filter map[types.Pubkey]bool
	if raw := r.URL.Query().Get("address"); raw != "" {
		filter = make(map[types.Pubkey]bool)
		for _, part := range strings.Split(raw, ",") {
			pk, err := types.ParsePubkey(strings.TrimSpace(part))
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid address %q", part), http.StatusBadRequest)
				return
			}
			filter[pk] = true
		}
	}

	client := s.feed.register(filter)
	defer s.feed.unregister(client)
	if err := serveSocket(w, r, client.ch, nil); err != nil {
		log.Printf("WARN: WebSocket upgrade failed: %v", err)
	}
}

// handleActivityWS sends recent activity oldest first, then new entries as
// they are logged.
func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	initial := s.logger.GetRecent(50)
	var first [][]byte
	for i := len(initial) - 1; i >= 0; i-- {
		if msg, err := json.Marshal(initial[i]); err == nil {
			first = append(first, msg)
		}
	}
	var lastLogTime time.Time
	if len(initial) > 0 {
		lastLogTime = initial[0].Timestamp
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := make(chan []byte, 20)
	go s.pollActivity(ctx, lastLogTime, out)

	if err := serveSocket(w, r, out, first); err != nil {
		log.Printf("WARN: WebSocket upgrade failed: %v", err)
	}
}

func (s *Server) pollActivity(ctx context.Context, lastLogTime time.Time, out chan<- []byte) {
	ticker := time.NewTicker(activityPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recent := s.logger.GetRecent(20)
			for i := len(recent) - 1; i >= 0; i-- {
				msg := recent[i]
				if !msg.Timestamp.After(lastLogTime) {
					continue
				}
				lastLogTime = msg.Timestamp
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	docList, err := s.docService.ListDocs()
	if err != nil {
		log.Printf("ERROR: list docs: %v", err)
	}

	data := docsData{Version: types.Version, Docs: docList, Current: r.URL.Query().Get("doc")}
	if data.Current != "" {
		content, err := s.docService.GetDoc(r.Context(), data.Current)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Failed to load doc %s: %v", data.Current, err))
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		data.Content = template.HTML(content)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	setCacheHeaders(w)
	if err := docsPage.Execute(w, data); err != nil {
		log.Printf("ERROR: render docs page: %v", err)
	}
}

// setCacheHeaders sets cache-busting headers to prevent browser caching.
func setCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
