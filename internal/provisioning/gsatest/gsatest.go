// Package gsatest runs a stand-in for Apple's GSA provisioning service.
package gsatest

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/zboralski/anisette/internal/provisioning"
	"howett.net/plist"
)

// Values the fake service hands out.
const (
	SPIM = "spim-bytes"
	PTM  = "ptm-bytes"
	TK   = "tk-bytes"
)

// Server is a fake GSA. It answers the URL bag lookup and both
// provisioning steps.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	starts     int
	finishes   int
	failFinish int
	cpim       []byte
}

// New starts a server that is closed when t ends.
func New(t testing.TB) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		s.write(t, w, map[string]any{"urls": map[string]any{
			provisioning.StartProvisioningKey:  s.URL + "/start",
			provisioning.FinishProvisioningKey: s.URL + "/finish",
		}})
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.starts++
		s.mu.Unlock()
		s.write(t, w, map[string]any{"Response": map[string]any{"spim": b64(SPIM)}})
	})
	mux.HandleFunc("/finish", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Request struct {
				CPIM string `plist:"cpim"`
			} `plist:"Request"`
		}
		if _, err := plist.Unmarshal(body, &req); err != nil {
			t.Errorf("gsatest: finish body: %v", err)
		}
		cpim, _ := base64.StdEncoding.DecodeString(req.Request.CPIM)

		s.mu.Lock()
		s.finishes++
		s.cpim = cpim
		fail := s.failFinish > 0
		if fail {
			s.failFinish--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		s.write(t, w, map[string]any{"Response": map[string]any{
			"ptm":    b64(PTM),
			"tk":     b64(TK),
			"Status": map[string]any{"ec": 0},
		}})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func (s *Server) write(t testing.TB, w http.ResponseWriter, v any) {
	b, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		t.Errorf("gsatest: %v", err)
		return
	}
	w.Write(b)
}

// LookupURL is the URL bag endpoint.
func (s *Server) LookupURL() string { return s.URL + "/lookup" }

// Config returns a provisioning config pointed at the server.
func (s *Server) Config() provisioning.Config {
	return provisioning.Config{LookupURL: s.LookupURL(), HTTPClient: s.Client()}
}

// Provisions returns how many start and finish requests were served.
func (s *Server) Provisions() (starts, finishes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.finishes
}

// FailFinish makes the next n finish requests answer 500.
func (s *Server) FailFinish(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFinish = n
}

// LastCPIM returns the CPIM of the most recent finish request.
func (s *Server) LastCPIM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpim
}
